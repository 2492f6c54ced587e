package worker

import (
	"regexp"
	"strings"
)

var (
	hyphenBreak = regexp.MustCompile(`(\w+)-\n(\w+)`)
	urlNoise    = regexp.MustCompile(`https?://\S+|www\.\S+`)
	emailNoise  = regexp.MustCompile(`\b\S+@\S+\.\S+\b`)
	blankRuns   = regexp.MustCompile(`\n{3,}`)
	spaceRuns   = regexp.MustCompile(`[ \t]+`)
)

// Common recognizer confusions, applied in order.
var digitFixes = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`\bI(\d)`), "1$1"},
	{regexp.MustCompile(`\bl0\b`), "10"},
	{regexp.MustCompile(`\b0O\b`), "00"},
}

// PostProcess cleans raw recognizer output: words split across lines are
// joined, URLs and e-mail addresses are dropped, a few digit confusions are
// corrected and whitespace is normalized.
func PostProcess(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = hyphenBreak.ReplaceAllString(text, "$1$2")
	text = urlNoise.ReplaceAllString(text, "")
	text = emailNoise.ReplaceAllString(text, "")
	for _, fix := range digitFixes {
		text = fix.re.ReplaceAllString(text, fix.repl)
	}

	text = blankRuns.ReplaceAllString(text, "\n\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRuns.ReplaceAllString(l, " "))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
