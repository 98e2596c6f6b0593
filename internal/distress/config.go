package distress

// DefaultThreshold is the minimum similarity for a match to raise the flag.
const DefaultThreshold = 0.82

// DefaultKeywords are single words and short fragments that signal distress.
var DefaultKeywords = []string{
	"help",
	"emergency",
	"danger",
	"police",
	"911",
	"stop",
	"no",
	"don't",
	"please help",
	"assault",
	"harassment",
}

// DefaultPhrases carry more context than keywords and win ties against them.
var DefaultPhrases = []string{
	"i need help",
	"please help me",
	"call the police",
	"call 911",
	"i'm in danger",
	"leave me alone",
	"stop it",
	"don't touch me",
}

// Matcher names a similarity function.
type Matcher string

const (
	MatcherSequence    Matcher = "sequence"
	MatcherJaroWinkler Matcher = "jarowinkler"
)

// Config is the immutable candidate dictionary and threshold.
type Config struct {
	Keywords      []string
	Phrases       []string
	MinSimilarity float64
	Matcher       Matcher
}

// NewConfig merges the built-in dictionaries with caller additions. The
// defaults always come first; additions are appended in order.
func NewConfig(extraKeywords, extraPhrases []string, threshold float64, matcher Matcher) Config {
	if matcher == "" {
		matcher = MatcherSequence
	}
	return Config{
		Keywords:      merge(DefaultKeywords, extraKeywords),
		Phrases:       merge(DefaultPhrases, extraPhrases),
		MinSimilarity: threshold,
		Matcher:       matcher,
	}
}

func merge(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}
