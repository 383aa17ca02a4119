package facility

import (
	"regexp"
	"strings"

	"github.com/puzzlehealth/reconciler/pkg/terminology"
)

// Key is the canonical identifier for one physical facility. The mapping
// raw-label -> Key is many-to-one and stable across extract types.
type Key string

func (k Key) String() string { return string(k) }

var (
	parenPattern   = regexp.MustCompile(`\([^)]*\)`)
	quarterPattern = regexp.MustCompile(`^q[1-4]$`)
	spacePattern   = regexp.MustCompile(`\s+`)
)

// Suffix tokens stripped from the end of a label. Legal-entity and care-type
// tags never distinguish facilities.
var trailingTokens = map[string]bool{
	"llc":    true,
	"inc":    true,
	"co":     true,
	"corp":   true,
	"ltd":    true,
	"snf":    true,
	"cycles": true,
}

// Extract-kind tokens stripped from the front of a label; upload filenames
// prepend these.
var leadingTokens = map[string]bool{
	"adt":     true,
	"los":     true,
	"charges": true,
	"visits":  true,
}

var fileExtensions = []string{".csv", ".xlsx", ".xls", ".pdf"}

// Normalize canonicalizes a raw facility label into a stable Key. It is pure,
// deterministic, and total: no label is ever rejected. Labels that match no
// known cleanup rule pass through (lower-cased, whitespace-collapsed) as their
// own singleton key rather than being merged by guesswork.
func Normalize(raw string) Key {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}

	for _, ext := range fileExtensions {
		s = strings.TrimSuffix(s, ext)
	}
	s = parenPattern.ReplaceAllString(s, " ")
	s = strings.NewReplacer("-", " ", "_", " ", ",", " ", "/", " ").Replace(s)

	tokens := strings.Fields(s)
	for i, tok := range tokens {
		tokens[i] = foldSaint(strings.Trim(tok, "."))
	}

	for len(tokens) > 0 && leadingTokens[tokens[0]] {
		tokens = tokens[1:]
	}
	for len(tokens) > 0 {
		last := tokens[len(tokens)-1]
		if trailingTokens[last] || quarterPattern.MatchString(last) {
			tokens = tokens[:len(tokens)-1]
			continue
		}
		if len(tokens) >= 2 && tokens[len(tokens)-2] == "quarter" && isDigit(last) {
			tokens = tokens[:len(tokens)-2]
			continue
		}
		break
	}

	if len(tokens) == 0 {
		// Nothing survived stripping; keep the label verbatim so the input
		// still maps to some key.
		return Key(spacePattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(raw)), " "))
	}
	return Key(strings.Join(tokens, " "))
}

// DisplayName renders a key for reporting output. Configured roster names win;
// otherwise the key is title-cased with the Saint abbreviation restored.
// Round-trip stability holds: Normalize(DisplayName(Normalize(x))) == Normalize(x).
func DisplayName(key Key, catalog terminology.Catalog) string {
	if display, ok := catalog.FacilityDisplay(string(key)); ok {
		return display
	}
	tokens := strings.Fields(string(key))
	for i, tok := range tokens {
		switch {
		case tok == "st":
			tokens[i] = "St."
		case i > 0 && smallWords[tok]:
			tokens[i] = tok
		default:
			tokens[i] = strings.ToUpper(tok[:1]) + tok[1:]
		}
	}
	return strings.Join(tokens, " ")
}

var smallWords = map[string]bool{"of": true, "the": true, "at": true, "and": true}

func foldSaint(tok string) string {
	if tok == "saint" || tok == "ste" {
		return "st"
	}
	return tok
}

func isDigit(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
