// Package latex rewrites decoder output into the delimiter convention chosen in the
// user config.
package latex

import (
	"strings"

	"github.com/knights-analytics/mixtex/config"
)

const (
	BeginAligned = `\begin{aligned}`
	EndAligned   = `\end{aligned}`
)

var (
	fixedReplacer  = strings.NewReplacer(`\[`, BeginAligned, `\]`, EndAligned)
	inlineReplacer = strings.NewReplacer(`\(`, "$", `\)`, "$")
	alignReplacer  = strings.NewReplacer(BeginAligned, "$$\n"+BeginAligned, EndAligned, EndAligned+"\n$$")
	blockReplacer  = strings.NewReplacer(BeginAligned, "", EndAligned, "", "&", "")
)

// Normalize turns raw decoder text into display text for cfg.
func Normalize(raw string, cfg config.Config) string {
	return Delimit(Canonical(raw, cfg), cfg)
}

// Canonical applies the align-to-equations rewrite when enabled followed by the fixed
// substitutions. Its result is the text recorded alongside feedback.
func Canonical(raw string, cfg config.Config) string {
	text := raw
	if cfg.ConvertAlignToEquations {
		text = ConvertAlignToEquations(text)
	}
	return ApplyFixed(text)
}

// Delimit applies the dollar conventions selected in cfg to canonical text.
func Delimit(text string, cfg config.Config) string {
	if cfg.UseDollarsForInlineMath {
		text = inlineReplacer.Replace(text)
	}
	if cfg.UseDollarsForAlignMath {
		text = alignReplacer.Replace(text)
	}
	return text
}

// ApplyFixed maps \[ and \] to an aligned environment and escapes bare percent signs.
// Applying it twice is the same as applying it once.
func ApplyFixed(text string) string {
	return EscapePercent(fixedReplacer.Replace(text))
}

// EscapePercent prefixes every % that is not already escaped with a backslash.
// A % preceded by an odd number of backslashes is already escaped.
func EscapePercent(text string) string {
	if !strings.Contains(text, "%") {
		return text
	}
	var b strings.Builder
	b.Grow(len(text) + 8)
	backslashes := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '\\':
			backslashes++
		case '%':
			if backslashes%2 == 0 {
				b.WriteByte('\\')
			}
			backslashes = 0
		default:
			backslashes = 0
		}
		b.WriteByte(c)
	}
	return b.String()
}

// ConvertAlignToEquations flattens an aligned block into one $$ row $$ line per row.
// Alignment markers and aligned wrappers are dropped and empty rows are skipped.
func ConvertAlignToEquations(text string) string {
	text = strings.TrimSpace(blockReplacer.Replace(text))
	rows := strings.Split(text, `\\`)
	converted := make([]string, 0, len(rows))
	for _, row := range rows {
		row = strings.TrimSpace(row)
		for _, marker := range []string{`\[`, `\]`, "\n"} {
			row = strings.ReplaceAll(row, marker, "")
		}
		if row != "" {
			converted = append(converted, "$$ "+row+" $$")
		}
	}
	return strings.Join(converted, "\n")
}
