// Package tagproto implements the inline cache-control tag protocol: an
// implicit channel where save/load directives ride as a machine-parseable
// prefix of the text a task sends to the model.
//
// Tags must be the very first characters of the text. The consuming side
// scans only a bounded leading window for recognizable tags; a tag
// placed later is not a tag, just text. It is a facade: whatever parses
// these directives applies them through the same resolver/exporter entry
// points the explicit API uses.
package tagproto

import (
	"regexp"
	"strings"
)

// ScanWindow is the number of leading bytes inspected for tags.
const ScanWindow = 256

var (
	leadingTagRe = regexp.MustCompile(`^\[(SAVE|LOAD):([^\]\s]+)\]`)
	anyTagRe     = regexp.MustCompile(`\[(?:SAVE|LOAD):[^\]]*\]`)
)

// Directive is the parsed result of the leading tag scan.
type Directive struct {
	// SaveKey names the key the backend should snapshot the resulting
	// cache under. Empty when no save tag was present.
	SaveKey string

	// LoadKey names a previously saved key to restore before
	// generation. Empty when no load tag was present.
	LoadKey string

	// Rest is the text with the leading tags removed.
	Rest string
}

// SaveTag renders a save directive for the given key.
func SaveTag(key string) string { return "[SAVE:" + key + "]" }

// LoadTag renders a load directive for the given key.
func LoadTag(key string) string { return "[LOAD:" + key + "]" }

// Parse scans the bounded leading window of text for save/load tags.
// Tags after the first non-tag character are ignored. When the same
// directive appears twice, the last occurrence wins.
func Parse(text string) Directive {
	d := Directive{}
	rest := text
	consumed := 0
	for consumed < ScanWindow {
		m := leadingTagRe.FindStringSubmatch(rest)
		if m == nil {
			break
		}
		switch m[1] {
		case "SAVE":
			d.SaveKey = m[2]
		case "LOAD":
			d.LoadKey = m[2]
		}
		rest = rest[len(m[0]):]
		consumed += len(m[0])
	}
	d.Rest = rest
	return d
}

// Strip removes every save/load tag substring from text, wherever it
// appears. Generated output is run through Strip before downstream
// consumption in case the model echoed a tag.
func Strip(text string) string {
	return strings.TrimSpace(anyTagRe.ReplaceAllString(text, ""))
}
