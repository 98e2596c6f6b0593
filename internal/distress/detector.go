// Package distress spots distress phrases and keywords in transcripts using
// fuzzy, window-based string similarity so that recognizer spelling noise
// ("pleese help me") still matches.
package distress

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
	"github.com/pmezard/go-difflib/difflib"
)

// Detection is the outcome of screening one transcript.
type Detection struct {
	Flag      bool
	Reason    string
	Score     float64
	Category  string
	Candidate string
}

// Detector is read-only after construction and safe for concurrent use.
type Detector struct {
	cfg        Config
	similarity func(a, b string) float64
	phrases    []candidate
	keywords   []candidate
}

type candidate struct {
	raw    string
	norm   string
	tokens int
}

// New prepares a detector. Candidates are normalized once up front.
func New(cfg Config) *Detector {
	d := &Detector{cfg: cfg, similarity: SequenceRatio}
	if cfg.Matcher == MatcherJaroWinkler {
		d.similarity = JaroWinkler
	}
	d.phrases = prepare(cfg.Phrases)
	d.keywords = prepare(cfg.Keywords)
	return d
}

func prepare(raw []string) []candidate {
	out := make([]candidate, 0, len(raw))
	for _, r := range raw {
		norm := Normalize(r)
		out = append(out, candidate{raw: r, norm: norm, tokens: len(strings.Fields(norm))})
	}
	return out
}

// Config returns the detector's configuration.
func (d *Detector) Config() Config { return d.cfg }

// Detect screens text. Phrases are scored before keywords and only a strictly
// better score replaces the current winner, so phrases win ties.
func (d *Detector) Detect(text string) Detection {
	norm := Normalize(text)
	if norm == "" {
		return Detection{}
	}
	tokens := strings.Fields(norm)

	var best Detection
	score := func(category string, cands []candidate) {
		for _, c := range cands {
			s := d.bestWindow(tokens, c)
			if s > best.Score {
				best = Detection{Score: s, Category: category, Candidate: c.raw}
			}
		}
	}
	score("phrase", d.phrases)
	score("keyword", d.keywords)

	if best.Candidate == "" && best.Category == "" {
		return Detection{}
	}
	if best.Score >= d.cfg.MinSimilarity {
		best.Flag = true
		best.Reason = fmt.Sprintf("%s:%s score=%.2f", best.Category, best.Candidate, best.Score)
	}
	return best
}

// bestWindow slides an n-token window over the transcript and keeps the best
// similarity. A transcript shorter than the candidate is compared whole.
func (d *Detector) bestWindow(tokens []string, c candidate) float64 {
	n := c.tokens
	if n == 0 {
		return 0
	}
	var best float64
	last := max(1, len(tokens)-n+1)
	for i := 0; i < last; i++ {
		end := min(len(tokens), i+n)
		window := strings.Join(tokens[i:end], " ")
		if r := d.similarity(window, c.norm); r > best {
			best = r
		}
	}
	return best
}

// Normalize lowercases s, maps whitespace to single spaces, drops everything
// outside [a-z0-9 ] and trims. Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SequenceRatio is the Ratcliff/Obershelp similarity 2*M/T over characters:
// 1.0 for identical strings, 0.0 for strings with nothing in common.
func SequenceRatio(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	m := difflib.NewMatcher(splitChars(a), splitChars(b))
	return m.Ratio()
}

// JaroWinkler is an alternative similarity that favours shared prefixes.
func JaroWinkler(a, b string) float64 {
	if a == "" || b == "" {
		if a == b {
			return 1
		}
		return 0
	}
	return matchr.JaroWinkler(a, b, false)
}

func splitChars(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
