package scheduler

import "strings"

// colorBar renders a two-segment terminal progress bar of the given total
// width, proportioned by a and b, with a in cyan and b in magenta.
func colorBar(a, b, width int) string {
	total := a + b
	if total == 0 {
		return strings.Repeat(" ", width)
	}

	aWidth := a * width / total
	bWidth := width - aWidth

	var sb strings.Builder
	sb.WriteString("\033[36m")
	sb.WriteString(strings.Repeat("█", aWidth))
	sb.WriteString("\033[35m")
	sb.WriteString(strings.Repeat("█", bWidth))
	sb.WriteString("\033[0m")
	return sb.String()
}
