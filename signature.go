package showrun

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	maxTopicTags      = 7
	fallbackTokenTags = 5
)

// NormalizeContent canonicalizes text for deduplication: NFKC, lowercase,
// strip everything that is not a letter, digit, or whitespace, collapse
// whitespace runs to single spaces. Idempotent.
func NormalizeContent(text string) string {
	text = norm.NFKC.String(text)
	text = strings.ToLower(text)
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// ContentSignature returns the SHA-1 hex of the normalized text. Empty text
// normalizes to the empty signature, which disables dedup for that item.
func ContentSignature(text string) string {
	n := NormalizeContent(text)
	if n == "" {
		return ""
	}
	sum := sha1.Sum([]byte(n))
	return hex.EncodeToString(sum[:])
}

// SignatureText picks the dedup text source for a candidate: transcript when
// present, else title+caption, else title alone.
func SignatureText(c *Candidate) string {
	if strings.TrimSpace(c.Transcript) != "" {
		return c.Transcript
	}
	if strings.TrimSpace(c.Caption) != "" {
		return c.Title + " " + c.Caption
	}
	return c.Title
}

// TopicSource carries the raw inputs for topic-tag extraction, highest
// priority first.
type TopicSource struct {
	Theses         []string // script-analysis theses
	Keywords       []string // explicit, human-entered keywords
	ScriptKeywords []string // keywords extracted from script data
	Title          string
	Caption        string
}

// TopicTags extracts at most 7 lowercased topic phrases. Sources are tried
// in priority order; the first non-empty one wins. The fallback tokenizes
// title+caption, keeping the first 5 unique words longer than 2 characters.
func TopicTags(src TopicSource) []string {
	for _, tags := range [][]string{src.Theses, src.Keywords, src.ScriptKeywords} {
		if cleaned := cleanTags(tags, maxTopicTags); len(cleaned) > 0 {
			return cleaned
		}
	}
	return fallbackTokens(src.Title + " " + src.Caption)
}

// TopicSourceFromCandidate digs the conventional meta keys out of a
// candidate. Script analysis is expected as a map with "theses" and
// "keywords" lists; explicit keywords live under meta "keywords".
func TopicSourceFromCandidate(c *Candidate) TopicSource {
	src := TopicSource{Title: c.Title, Caption: c.Caption}
	if c.Meta == nil {
		return src
	}
	if sa, ok := c.Meta[MetaScriptAnalysis].(map[string]any); ok {
		src.Theses = stringList(sa["theses"])
		src.ScriptKeywords = stringList(sa["keywords"])
	}
	src.Keywords = stringList(c.Meta["keywords"])
	return src
}

// TopicSignature is the SHA-1 hex of the sorted, deduped, lowercased tags
// joined with "|". Empty tag set yields the empty signature.
func TopicSignature(tags []string) string {
	seen := make(map[string]bool, len(tags))
	var uniq []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		uniq = append(uniq, t)
	}
	if len(uniq) == 0 {
		return ""
	}
	sort.Strings(uniq)
	sum := sha1.Sum([]byte(strings.Join(uniq, "|")))
	return hex.EncodeToString(sum[:])
}

// cleanTags lowercases, trims, dedupes preserving order, and caps the list.
func cleanTags(tags []string, limit int) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out
}

// fallbackTokens derives tags from free text: normalized words longer than
// two characters, first unique 5.
func fallbackTokens(text string) []string {
	words := strings.Fields(NormalizeContent(text))
	seen := make(map[string]bool, len(words))
	var out []string
	for _, w := range words {
		if utf8.RuneCountInString(w) <= 2 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == fallbackTokenTags {
			break
		}
	}
	return out
}

// stringList coerces a decoded-JSON value ([]any or []string) to strings.
func stringList(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
