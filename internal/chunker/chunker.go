// Package chunker finds safe split points in streamed assistant text.
//
// Lengths are counted in runes so that multi-byte scripts are never cut inside a
// character. Only the punctuation listed in this file is treated as a boundary.
package chunker

// Func splits one completed segment off the front of unprocessed text. A zero
// consumed length means no boundary was found and the caller should wait for more text.
type Func func(unprocessed string, target int) (segment string, consumed int)

// Chunk is the default Func. It allows a sentence to run past target by half of
// target before falling back to soft breaks.
func Chunk(unprocessed string, target int) (string, int) {
	return ChunkWithOverflow(unprocessed, target, target/2)
}

// ChunkWithOverflow returns the longest prefix of unprocessed that ends on a boundary.
//
// Precedence: last sentence terminator before target, then the first sentence
// terminator in [target, target+overflow), then the last soft break before target.
// Nothing is returned while unprocessed is shorter than target.
func ChunkWithOverflow(unprocessed string, target, overflow int) (string, int) {
	if target <= 0 || unprocessed == "" {
		return "", 0
	}
	runes := []rune(unprocessed)
	if len(runes) < target {
		return "", 0
	}

	if idx := lastIndex(runes[:target], IsSentenceEnd); idx >= 0 {
		return cut(runes, idx)
	}

	if overflow > 0 {
		limit := target + overflow
		if limit > len(runes) {
			limit = len(runes)
		}
		for i := target; i < limit; i++ {
			if IsSentenceEnd(runes[i]) {
				return cut(runes, i)
			}
		}
	}

	if idx := lastIndex(runes[:target], IsSoftBreak); idx >= 0 {
		return cut(runes, idx)
	}
	return "", 0
}

// IsSentenceEnd reports whether r terminates a sentence.
func IsSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '\n',
		'。', '．', '！', '？':
		return true
	}
	return false
}

// IsSoftBreak reports whether r is a clause-level break.
func IsSoftBreak(r rune) bool {
	switch r {
	case ' ', ',', ';',
		'，', '；', '、', '　':
		return true
	}
	return false
}

func lastIndex(runes []rune, match func(rune) bool) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if match(runes[i]) {
			return i
		}
	}
	return -1
}

func cut(runes []rune, idx int) (string, int) {
	return string(runes[:idx+1]), idx + 1
}
