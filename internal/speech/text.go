// Package speech holds synthesizer implementations and speech text cleanup.
package speech

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/ent0n29/voicestream/internal/chunker"
)

var (
	urlPattern          = regexp.MustCompile(`https?://\S+`)
	fencedCodePattern   = regexp.MustCompile("(?s)```.*?```")
	inlineCodePattern   = regexp.MustCompile("`[^`]*`")
	markdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)

	markupReplacer = strings.NewReplacer(
		"*", " ",
		"_", " ",
		"\\", " ",
		"/", " ",
		"|", " ",
		"#", " ",
		"~", " ",
		"<", " ",
		">", " ",
	)
)

// SanitizeText strips markup and symbol noise from a segment before it is spoken.
// The segment's closing boundary mark survives cleanup, so the synthesizer pauses
// where the display segment ends. Display text is never passed through here.
func SanitizeText(segment string) string {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return ""
	}
	boundary := closingBoundary(segment)

	raw := fencedCodePattern.ReplaceAllString(segment, " ")
	raw = inlineCodePattern.ReplaceAllString(raw, " ")
	raw = markdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = urlPattern.ReplaceAllString(raw, " ")
	raw = markupReplacer.Replace(raw)

	out := make([]rune, 0, len(raw))
	prevSpace := true
	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
			// joiners and keycap marks left behind by dropped emoji
			continue
		case unicode.IsSpace(r):
			if !prevSpace {
				out = append(out, ' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			continue
		case attachesToWord(r):
			if n := len(out); n > 0 && out[n-1] == ' ' {
				out = out[:n-1]
			}
			out = append(out, r)
			prevSpace = false
		case speakablePunct(r):
			out = append(out, r)
			prevSpace = false
		case unicode.IsPunct(r):
			if !prevSpace {
				out = append(out, ' ')
				prevSpace = true
			}
		default:
			out = append(out, r)
			prevSpace = false
		}
	}

	text := strings.TrimSpace(string(out))
	if text == "" || boundary == 0 || strings.HasSuffix(text, string(boundary)) {
		return text
	}
	return strings.TrimRightFunc(text, attachesToWord) + string(boundary)
}

// closingBoundary returns the sentence or clause mark a segment was cut on, or
// zero when it ends mid-clause.
func closingBoundary(segment string) rune {
	runes := []rune(segment)
	last := runes[len(runes)-1]
	if unicode.IsSpace(last) {
		return 0
	}
	if chunker.IsSentenceEnd(last) || chunker.IsSoftBreak(last) {
		return last
	}
	return 0
}

func attachesToWord(r rune) bool {
	if unicode.IsSpace(r) {
		return false
	}
	return r == ':' || chunker.IsSentenceEnd(r) || chunker.IsSoftBreak(r)
}

func speakablePunct(r rune) bool {
	switch r {
	case '\'', '"', '-', '(', ')':
		return true
	default:
		return false
	}
}
