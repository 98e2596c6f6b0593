package stt

import "math"

const (
	logProbWeight = 0.7
	speechWeight  = 0.3
)

// Confidence derives a single [0,1] score from a result's segment statistics.
//
// With segments, each one carrying an average log-probability scores
// 0.7*exp(avg_logprob) + 0.3*(1-no_speech_prob) and the mean is returned;
// segments without a log-probability are skipped. Without segments the
// result-level no-speech probability is used when present.
func Confidence(r Result) float64 {
	if len(r.Segments) == 0 {
		if r.NoSpeechProb == nil {
			return 0
		}
		return clamp01(1 - *r.NoSpeechProb)
	}
	var sum float64
	var n int
	for _, seg := range r.Segments {
		if seg.AvgLogProb == nil {
			continue
		}
		sum += logProbWeight*math.Exp(*seg.AvgLogProb) + speechWeight*(1-seg.NoSpeechProb)
		n++
	}
	if n == 0 {
		return 0
	}
	return clamp01(sum / float64(n))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
