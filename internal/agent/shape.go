package agent

import "strings"

// SplitMessage splits text into chunks of at most chunkBytes bytes, breaking
// on line boundaries. A single line longer than the limit is hard-split on
// UTF-8 rune boundaries so no chunk ever cuts a character in half.
func SplitMessage(text string, chunkBytes int) []string {
	if chunkBytes <= 0 || len(text) <= chunkBytes {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		if len(line) > chunkBytes {
			flush()
			for _, piece := range splitRunes(line, chunkBytes) {
				chunks = append(chunks, strings.TrimRight(piece, "\n"))
			}
			continue
		}
		if cur.Len()+len(line) > chunkBytes {
			flush()
		}
		cur.WriteString(line)
	}
	flush()

	out := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out
}

// splitRunes cuts s into pieces of at most max bytes without breaking runes.
func splitRunes(s string, max int) []string {
	var pieces []string
	start := 0
	count := 0
	for i, r := range s {
		rl := len(string(r))
		if count+rl > max {
			pieces = append(pieces, s[start:i])
			start = i
			count = 0
		}
		count += rl
	}
	if start < len(s) {
		pieces = append(pieces, s[start:])
	}
	return pieces
}
