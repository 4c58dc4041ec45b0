package generator

import (
	"strings"

	"github.com/starford/kiln/internal/models"
)

// splitLines breaks content into lines without the trailing newline. The
// second result reports whether content ended with a newline.
func splitLines(content string) ([]string, bool) {
	if content == "" {
		return nil, false
	}
	trailing := strings.HasSuffix(content, "\n")
	content = strings.TrimSuffix(content, "\n")
	return strings.Split(content, "\n"), trailing
}

// insertionIndex computes where injected lines go. found is false when a
// before/after pattern does not occur; the index then points at end-of-file.
func insertionIndex(lines []string, mode models.InjectMode) (idx int, found bool) {
	switch mode.Kind {
	case models.InjectPrepend:
		return 0, true
	case models.InjectBefore:
		if i := indexOfLine(lines, mode.Pattern); i >= 0 {
			return i, true
		}
		return len(lines), false
	case models.InjectAfter:
		if i := indexOfLine(lines, mode.Pattern); i >= 0 {
			return i + 1, true
		}
		return len(lines), false
	case models.InjectAtLine:
		return clamp(mode.Line-1, 0, len(lines)), true
	default:
		return len(lines), true
	}
}

func indexOfLine(lines []string, pattern string) int {
	for i, l := range lines {
		if strings.Contains(l, pattern) {
			return i
		}
	}
	return -1
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// splice inserts the lines of snippet into original at idx and rebuilds the
// file. The original trailing newline is kept; a new file gets one when the
// snippet has one.
func splice(original, snippet string, idx int) string {
	lines, trailing := splitLines(original)
	add, snippetTrailing := splitLines(snippet)
	if original == "" {
		trailing = snippetTrailing
	}

	out := make([]string, 0, len(lines)+len(add))
	out = append(out, lines[:idx]...)
	out = append(out, add...)
	out = append(out, lines[idx:]...)

	result := strings.Join(out, "\n")
	if trailing {
		result += "\n"
	}
	return result
}
