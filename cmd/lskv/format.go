package main

import (
	"fmt"
	"math"
	"strings"
)

func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// formatKey shows printable bytes as is and everything else as \x escapes.
func formatKey(key []byte, maxLen int) string {
	if len(key) == 0 {
		return "<empty>"
	}
	var sb strings.Builder
	for _, b := range key {
		if b >= 32 && b <= 126 {
			sb.WriteByte(b)
		} else {
			fmt.Fprintf(&sb, "\\x%02x", b)
		}
	}
	str := sb.String()
	if len(str) > maxLen {
		return str[:maxLen-3] + "..."
	}
	return str
}

func formatValue(value []byte, maxLen int) string {
	if len(value) == 0 {
		return "<empty>"
	}
	return formatKey(value, maxLen)
}

func formatPercent(f float64) string {
	if math.IsNaN(f) {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", f)
}
