package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"
)

// httpRecognizer posts chunks to a whisper.cpp server's /inference endpoint
// and asks for verbose JSON so segment statistics come back with the text.
type httpRecognizer struct {
	endpoint string
	client   *http.Client
}

type verboseResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Text         string   `json:"text"`
		AvgLogProb   *float64 `json:"avg_logprob"`
		NoSpeechProb float64  `json:"no_speech_prob"`
	} `json:"segments"`
}

func NewHTTPRecognizer(endpoint string, timeout time.Duration) (Recognizer, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("stt endpoint is empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("stt endpoint %q must be an http(s) URL", endpoint)
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &httpRecognizer{endpoint: endpoint, client: &http.Client{Timeout: timeout}}, nil
}

func (r *httpRecognizer) Transcribe(ctx context.Context, req Request) (Result, error) {
	path, err := writeTempWAV(req.Samples, req.SampleRate)
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(path)

	body, contentType, err := multipartBody(path, req)
	if err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/inference", body)
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("stt request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read stt response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("stt server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed verboseResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Result{}, fmt.Errorf("decode stt response: %w", err)
	}
	result := Result{Text: parsed.Text}
	for _, seg := range parsed.Segments {
		result.Segments = append(result.Segments, Segment{
			Text:         seg.Text,
			AvgLogProb:   seg.AvgLogProb,
			NoSpeechProb: seg.NoSpeechProb,
		})
	}
	return result, nil
}

func multipartBody(wavPath string, req Request) (*bytes.Buffer, string, error) {
	file, err := os.Open(wavPath)
	if err != nil {
		return nil, "", fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "chunk.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(fw, file); err != nil {
		return nil, "", fmt.Errorf("copy wav: %w", err)
	}
	fields := map[string]string{
		"response_format": "verbose_json",
		"temperature":     "0.0",
	}
	if req.Language != "" {
		fields["language"] = req.Language
	}
	if req.Task == TaskTranslate {
		fields["translate"] = "true"
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}
