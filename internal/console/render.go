package console

import (
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
)

func (c *Console) renderTable(headers []string, rows [][]string) {
	table := tablewriter.NewWriter(c.out)
	table.SetHeader(headers)
	for _, r := range rows {
		table.Append(r)
	}
	table.Render()
}

func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func formatSeconds(s float64) string {
	if s <= 0 {
		return "-"
	}
	return time.Duration(s * float64(time.Second)).Round(time.Millisecond).String()
}

// shortID trims record ids for table display. Full ids stay available
// in exports.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
