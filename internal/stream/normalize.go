package stream

import (
	"regexp"
	"strings"
)

// The remote interleaves zero-width characters and inconsistent line endings
// into its output; downstream chat surfaces render them badly.
var (
	zeroWidthRe   = regexp.MustCompile(`[\x{200b}-\x{200f}\x{2028}-\x{202f}\x{feff}]`)
	multiNewline  = regexp.MustCompile(`\n{3,}`)
	listSpacingRe = regexp.MustCompile(`([^\n])\n([-*]\s)`)
	modelPrefixRe = regexp.MustCompile(`^使用.*模型.*模式回答.*秒）：\s*\n+`)

	// Image pipeline progress markers are internal bookkeeping, never shown.
	imageMarkerRes = []*regexp.Regexp{
		regexp.MustCompile(`\[正在生成图片，请稍候\.\.\.\]`),
		regexp.MustCompile(`\[图片已生成，耗时\d+\.\d+秒\]`),
		regexp.MustCompile(`\[图片生成失败或超时，耗时\d+\.\d+秒\]`),
	}
)

// NormalizeText cleans accumulated stream text for presentation: zero-width
// characters go, line endings fold to \n, runs of blank lines collapse,
// markdown list items get a separating blank line, and leftover progress
// markers are stripped.
func NormalizeText(text string) string {
	if text == "" {
		return ""
	}
	text = zeroWidthRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = multiNewline.ReplaceAllString(text, "\n\n")
	text = listSpacingRe.ReplaceAllString(text, "$1\n\n$2")
	text = modelPrefixRe.ReplaceAllString(text, "")
	for _, re := range imageMarkerRes {
		text = re.ReplaceAllString(text, "")
	}
	return strings.TrimRight(text, " \t\n")
}
