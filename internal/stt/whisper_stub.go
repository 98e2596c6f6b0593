//go:build !whisper

package stt

import "errors"

func newWhisperRecognizer(string) (Recognizer, error) {
	return nil, errors.New("stt mode whisper requires a build with -tags whisper")
}
