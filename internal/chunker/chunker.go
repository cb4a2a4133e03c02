// Package chunker splits world descriptions into chapter-tagged passages for
// seeding world memory.
package chunker

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	DefaultTargetSize = 400
	DefaultMaxSize    = 600
)

// Options configures chunking behavior.
type Options struct {
	TargetSize int
	MaxSize    int
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{
		TargetSize: DefaultTargetSize,
		MaxSize:    DefaultMaxSize,
	}
}

// Passage is a piece of text and the chapter it belongs to.
type Passage struct {
	Text      string
	Chapter   int
	StartLine int
	EndLine   int
}

// The number must end the line or be followed by a separator and a space,
// so prose like "Chapter mid-morning" is not a heading.
var chapterHeading = regexp.MustCompile(`(?i)^#*\s*chapter\s+([0-9]+|[ivxlcdm]+)\s*(?:[:.\-]\s|[:.\-]?$)`)

// ChapterOf returns the chapter number named by a heading line such as
// "Chapter 3", "## chapter 12: The Fall" or "Chapter IV".
func ChapterOf(line string) (int, bool) {
	m := chapterHeading.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, false
	}
	if n, err := strconv.Atoi(m[1]); err == nil {
		return n, true
	}
	n := roman(strings.ToLower(m[1]))
	return n, n > 0
}

// Split breaks text into passages. Text before the first chapter heading
// belongs to startChapter. Passages never span two chapters.
func Split(text string, startChapter int, opts Options) []Passage {
	if opts.TargetSize == 0 {
		opts = DefaultOptions()
	}

	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return nil
	}

	blocks := splitBlocks(text, startChapter)
	return mergeBlocks(blocks, opts)
}

// block is an intermediate representation of a text section.
type block struct {
	text      string
	chapter   int
	startLine int
	endLine   int
}

// splitBlocks splits text on headings and blank lines.
func splitBlocks(text string, chapter int) []block {
	lines := strings.Split(text, "\n")
	var blocks []block
	var current []string
	startLine := 1

	flush := func(endLine int) {
		if len(current) > 0 {
			t := strings.TrimSpace(strings.Join(current, "\n"))
			if t != "" {
				blocks = append(blocks, block{text: t, chapter: chapter, startLine: startLine, endLine: endLine})
			}
		}
		current = nil
		startLine = endLine + 1
	}

	for i, line := range lines {
		lineNum := i + 1
		trimmed := strings.TrimSpace(line)

		if n, ok := ChapterOf(trimmed); ok {
			flush(lineNum - 1)
			chapter = n
			current = append(current, line)
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			flush(lineNum - 1)
		}
		if trimmed == "" {
			flush(lineNum - 1)
			startLine = lineNum + 1
			continue
		}
		current = append(current, line)
	}
	flush(len(lines))

	return blocks
}

// mergeBlocks combines small blocks of the same chapter and splits oversized ones.
func mergeBlocks(blocks []block, opts Options) []Passage {
	var results []Passage
	var accum block

	flushAccum := func() {
		t := strings.TrimSpace(accum.text)
		if t == "" {
			return
		}
		if len(t) > opts.MaxSize {
			results = append(results, hardSplit(t, accum.chapter, accum.startLine, opts)...)
		} else {
			results = append(results, Passage{Text: t, Chapter: accum.chapter, StartLine: accum.startLine, EndLine: accum.endLine})
		}
		accum = block{}
	}

	for _, b := range blocks {
		if accum.text == "" {
			accum = b
			continue
		}
		combined := accum.text + "\n\n" + b.text
		if b.chapter == accum.chapter && (len(combined) <= opts.TargetSize || isHeadingOnly(accum.text)) {
			accum.text = combined
			accum.endLine = b.endLine
			continue
		}
		flushAccum()
		accum = b
	}
	flushAccum()

	return results
}

// A bare heading is never a passage of its own.
func isHeadingOnly(text string) bool {
	return !strings.Contains(text, "\n") && (strings.HasPrefix(text, "#") || chapterHeading.MatchString(text))
}

// hardSplit breaks text that exceeds MaxSize on line boundaries, then on
// sentence ends for single long lines.
func hardSplit(text string, chapter, startLine int, opts Options) []Passage {
	lines := strings.Split(text, "\n")
	var results []Passage
	var current []string
	curStart := startLine
	curLen := 0

	emit := func(end int) {
		t := strings.TrimSpace(strings.Join(current, "\n"))
		if t == "" {
			return
		}
		for _, piece := range sentences(t, opts.MaxSize) {
			results = append(results, Passage{Text: piece, Chapter: chapter, StartLine: curStart, EndLine: end})
		}
	}

	for i, line := range lines {
		if curLen+len(line) > opts.TargetSize && len(current) > 0 {
			emit(startLine + i - 1)
			current = nil
			curStart = startLine + i
			curLen = 0
		}
		current = append(current, line)
		curLen += len(line) + 1
	}
	if len(current) > 0 {
		emit(startLine + len(lines) - 1)
	}
	return results
}

// sentences splits s on ". " boundaries so no piece exceeds max where possible.
func sentences(s string, max int) []string {
	if len(s) <= max {
		return []string{s}
	}
	var out []string
	var cur strings.Builder
	for _, part := range strings.SplitAfter(s, ". ") {
		if cur.Len() > 0 && cur.Len()+len(part) > max {
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
		cur.WriteString(part)
	}
	if t := strings.TrimSpace(cur.String()); t != "" {
		out = append(out, t)
	}
	return out
}

var romanValues = map[rune]int{'i': 1, 'v': 5, 'x': 10, 'l': 50, 'c': 100, 'd': 500, 'm': 1000}

func roman(s string) int {
	total, prev := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		v := romanValues[rune(s[i])]
		if v < prev {
			total -= v
		} else {
			total += v
			prev = v
		}
	}
	// Reject non-canonical numerals such as "did" or "mix".
	if toRoman(total) != s {
		return 0
	}
	return total
}

var romanDigits = []struct {
	value  int
	symbol string
}{
	{1000, "m"}, {900, "cm"}, {500, "d"}, {400, "cd"},
	{100, "c"}, {90, "xc"}, {50, "l"}, {40, "xl"},
	{10, "x"}, {9, "ix"}, {5, "v"}, {4, "iv"}, {1, "i"},
}

func toRoman(n int) string {
	var sb strings.Builder
	for _, d := range romanDigits {
		for n >= d.value {
			sb.WriteString(d.symbol)
			n -= d.value
		}
	}
	return sb.String()
}
