package merge

import (
	"regexp"
	"strings"
)

// Mode selects how math delimiters are rewritten in merged content.
type Mode string

const (
	// ModeDollar rewrites \( \) and \[ \] spans to $ and $$ delimiters.
	ModeDollar Mode = "dollar"
	// ModeLatex leaves content untouched.
	ModeLatex Mode = "latex"
)

// ParseMode maps a configured value to a Mode. Unknown values fall back to
// ModeDollar.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeLatex:
		return ModeLatex
	default:
		return ModeDollar
	}
}

var (
	blockMath  = regexp.MustCompile(`(?s)\\\[(.*?)\\\]`)
	inlineMath = regexp.MustCompile(`(?s)\\\((.*?)\\\)`)
)

// Transform rewrites math delimiters outside fenced code blocks.
func Transform(text string, mode Mode) string {
	if mode == ModeLatex {
		return text
	}

	lines := strings.SplitAfter(text, "\n")
	var out, prose strings.Builder
	flush := func() {
		if prose.Len() > 0 {
			out.WriteString(rewriteMath(prose.String()))
			prose.Reset()
		}
	}

	var open byte
	for _, line := range lines {
		if c, ok := fenceChar(line); ok {
			switch {
			case open == 0:
				flush()
				open = c
				out.WriteString(line)
				continue
			case open == c:
				open = 0
				out.WriteString(line)
				continue
			}
		}
		if open != 0 {
			out.WriteString(line)
			continue
		}
		prose.WriteString(line)
	}
	flush()
	return out.String()
}

func rewriteMath(s string) string {
	s = blockMath.ReplaceAllStringFunc(s, func(m string) string {
		inner := blockMath.FindStringSubmatch(m)[1]
		return "$$\n" + strings.TrimSpace(inner) + "\n$$"
	})
	return inlineMath.ReplaceAllStringFunc(s, func(m string) string {
		inner := inlineMath.FindStringSubmatch(m)[1]
		return "$" + strings.TrimSpace(inner) + "$"
	})
}

// fenceChar reports whether line opens or closes a fence: three or more
// backticks or tildes starting at column 0.
func fenceChar(line string) (byte, bool) {
	if len(line) < 3 {
		return 0, false
	}
	c := line[0]
	if c != '`' && c != '~' {
		return 0, false
	}
	if line[1] != c || line[2] != c {
		return 0, false
	}
	return c, true
}
