package channel

import "strings"

// ChunkMarkdown splits text into the fewest contiguous chunks of at most
// limit runes, splitting at line boundaries and never inside an open fenced
// code block. When the limit lands inside a fence the split backs up to the
// nearest boundary where all fences are closed; when no such boundary exists
// the chunk extends past the limit until the fence closes. Fencing
// correctness takes priority over strict size.
func ChunkMarkdown(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}

	type bufLine struct {
		text string
		// safeAfter marks a line boundary with all fences closed.
		safeAfter bool
	}

	lines := strings.Split(trimmed, "\n")
	chunks := make([]string, 0)
	buf := make([]bufLine, 0, len(lines))
	bufLen := 0
	fenceOpen := false

	lastSafe := func() int {
		for i := len(buf) - 1; i >= 0; i-- {
			if buf[i].safeAfter {
				return i
			}
		}
		return -1
	}
	flushTo := func(n int) {
		if n <= 0 {
			return
		}
		parts := make([]string, n)
		for i := range parts {
			parts[i] = buf[i].text
		}
		chunks = append(chunks, strings.Join(parts, "\n"))
		buf = append(buf[:0:0], buf[n:]...)
		bufLen = 0
		for i, l := range buf {
			if i > 0 {
				bufLen++
			}
			bufLen += runeLen(l.text)
		}
	}
	appendLine := func(l string) {
		if len(buf) > 0 {
			bufLen++
		}
		buf = append(buf, bufLine{text: l, safeAfter: !fenceOpen})
		bufLen += runeLen(l)
	}

	for _, line := range lines {
		lineLen := runeLen(line)
		if len(buf) > 0 && bufLen+1+lineLen > limit {
			if !fenceOpen {
				flushTo(len(buf))
			} else if safe := lastSafe(); safe >= 0 {
				flushTo(safe + 1)
			}
			// Fence open with no safe boundary behind it: keep extending.
		}

		if isFenceLine(line) {
			fenceOpen = !fenceOpen
		}

		if len(buf) == 0 && lineLen > limit && !fenceOpen && !isFenceLine(line) {
			segments := splitLongLine(line, limit)
			chunks = append(chunks, segments[:len(segments)-1]...)
			appendLine(segments[len(segments)-1])
			continue
		}

		appendLine(line)
	}
	flushTo(len(buf))

	return chunks
}

func isFenceLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "```")
}

func runeLen(value string) int {
	return len([]rune(value))
}

func splitLongLine(line string, limit int) []string {
	if limit <= 0 {
		return []string{line}
	}
	runes := []rune(line)
	chunks := make([]string, 0, (len(runes)+limit-1)/limit)
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
