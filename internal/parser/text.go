package parser

import (
	"regexp"
	"strings"
)

var (
	horizontalSpace = regexp.MustCompile(`[\t\f\v\p{Zs}]+`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
)

// NormalizeWhitespace 合并行内空白，去掉行首尾空白，最多保留一个空行
func NormalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\x00", "")
	s = horizontalSpace.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// JoinPages 按页序拼接，页之间空一行
func JoinPages(pages []string) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		if p = NormalizeWhitespace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}
