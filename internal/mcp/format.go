package mcp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gateway-fm/rollupsim/pkg/types"
)

type count interface {
	~int | ~int64 | ~uint64
}

// formatCount renders an operation or account count with comma separators.
func formatCount[T count](n T) string {
	s := strconv.FormatInt(int64(n), 10)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// kv formats a key-value pair with aligned values (20 char key width).
func kv(key string, value any) string {
	return fmt.Sprintf("%-20s %v", key+":", value)
}

func section(title string) string {
	return "## " + title
}

// joinLines joins non-empty lines with newlines.
func joinLines(lines ...string) string {
	var kept []string
	for _, l := range lines {
		if l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

// share formats part as a percentage of total; zero total reads as 0%.
func share(part, total int) string {
	if total <= 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(part)/float64(total)*100)
}

func formatMs(v float64) string {
	return fmt.Sprintf("%.1fms", v)
}

func formatRate(opsPerSecond float64) string {
	return fmt.Sprintf("%.2f ops/s", opsPerSecond)
}

func formatElapsed(ms int64) string {
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}

// latencyLine is empty when no samples were recorded.
func latencyLine(label string, l *types.LatencyStats) string {
	if l == nil || l.Count == 0 {
		return ""
	}
	return kv(label, formatMs(l.P50)+" / "+formatMs(l.P95))
}
