// Package normalize compresses prompts into a canonical form so that
// equivalent prompts share a cache key and cost fewer tokens.
package normalize

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pario-ai/tenantgate/pkg/models"
)

// Rules configures the normalizer.
type Rules struct {
	// Fillers are dropped wherever they appear as whole tokens.
	// Matching is case-insensitive; entries may span several words.
	Fillers []string
	// Markers maps a line-start role marker to its abbreviation.
	Markers map[string]string
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		Fillers: []string{"um", "uh", "please", "kindly", "basically"},
		Markers: map[string]string{
			"User:":      "U:",
			"Assistant:": "A:",
			"System:":    "S:",
		},
	}
}

type marker struct {
	from, to string
}

// Normalizer applies a fixed rule set. It is safe for concurrent use.
type Normalizer struct {
	fillers [][]string
	markers []marker
}

// New validates rules and builds a Normalizer. Every abbreviation must be
// shorter than its marker so that each changing pass shortens the text.
func New(rules Rules) (*Normalizer, error) {
	n := &Normalizer{}
	for from, to := range rules.Markers {
		if from == "" {
			return nil, fmt.Errorf("normalize: empty marker")
		}
		if len(to) >= len(from) {
			return nil, fmt.Errorf("normalize: marker %q abbreviation %q is not shorter", from, to)
		}
		n.markers = append(n.markers, marker{from: from, to: to})
	}
	// Longest first, then lexical, so overlapping markers resolve the same way every run.
	sort.Slice(n.markers, func(i, j int) bool {
		if len(n.markers[i].from) != len(n.markers[j].from) {
			return len(n.markers[i].from) > len(n.markers[j].from)
		}
		return n.markers[i].from < n.markers[j].from
	})

	for _, f := range rules.Fillers {
		words := strings.Fields(f)
		if len(words) == 0 {
			continue
		}
		n.fillers = append(n.fillers, words)
	}
	sort.SliceStable(n.fillers, func(i, j int) bool {
		return len(n.fillers[i]) > len(n.fillers[j])
	})
	return n, nil
}

// Normalize returns the canonical form of prompt. The result is a fixed
// point: Normalize(Normalize(p)) == Normalize(p).
func (n *Normalizer) Normalize(prompt string) string {
	cur := prompt
	for {
		next := n.pass(cur)
		if next == cur {
			return cur
		}
		cur = next
	}
}

func (n *Normalizer) pass(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		words := n.dropFillers(strings.Fields(line))
		if len(words) == 0 {
			continue
		}
		out = append(out, n.abbreviate(strings.Join(words, " ")))
	}
	return strings.Join(out, "\n")
}

func (n *Normalizer) abbreviate(line string) string {
	for _, m := range n.markers {
		if strings.HasPrefix(line, m.from) {
			return m.to + line[len(m.from):]
		}
	}
	return line
}

func (n *Normalizer) dropFillers(words []string) []string {
	if len(n.fillers) == 0 {
		return words
	}
	kept := words[:0:0]
	for i := 0; i < len(words); {
		if k := n.matchFiller(words[i:]); k > 0 {
			i += k
			continue
		}
		kept = append(kept, words[i])
		i++
	}
	return kept
}

// matchFiller returns the number of words consumed by the longest filler
// matching at the head of words, or 0.
func (n *Normalizer) matchFiller(words []string) int {
	for _, f := range n.fillers {
		if len(f) > len(words) {
			continue
		}
		ok := true
		for j, w := range f {
			if !strings.EqualFold(words[j], w) {
				ok = false
				break
			}
		}
		if ok {
			return len(f)
		}
	}
	return 0
}

// EstimateTokens approximates the token count of text at four bytes per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Flatten renders chat messages as one role-marked prompt, one message
// per line block, ready for Normalize.
func Flatten(messages []models.ChatMessage) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(roleMarker(m.Role))
		b.WriteByte(' ')
		b.WriteString(m.Content)
	}
	return b.String()
}

func roleMarker(role string) string {
	switch strings.ToLower(role) {
	case "user", "":
		return "User:"
	case "assistant":
		return "Assistant:"
	case "system", "developer":
		return "System:"
	default:
		first, size := utf8.DecodeRuneInString(role)
		return string(unicode.ToUpper(first)) + strings.ToLower(role[size:]) + ":"
	}
}
