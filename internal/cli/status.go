package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/beaver-engine/internal/partition"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF"))
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))
	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

// renderStatus 組出 status 指令的輸出；statuses 為 nil 表示節點未執行
func renderStatus(path string, cfg *Config, statuses []partition.Status) string {
	conf := []string{
		titleStyle.Render("Configuration"),
		field("Config File", path),
		field("Node", cfg.Node.ID),
		field("Data Dir", cfg.Node.DataDir),
		field("Storage", cfg.Storage.Backend),
		field("Partitions", fmt.Sprint(cfg.Partitions.IDs)),
		field("Admin", "http://"+cfg.Admin.Addr),
	}
	if len(cfg.Node.Peers) > 0 {
		conf = append(conf, field("Peers", fmt.Sprint(cfg.Node.Peers)))
	}

	sections := []string{boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, conf...))}

	if statuses == nil {
		sections = append(sections, boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Partitions"),
			warnStyle.Render("node not running (start it with 'beaver-engine run')"),
		)))
		return lipgloss.JoinVertical(lipgloss.Left, sections...)
	}

	for _, st := range statuses {
		lines := []string{
			titleStyle.Render(fmt.Sprintf("Partition %d", st.ID)),
			field("Position", fmt.Sprint(st.Position)),
			field("Clock", time.UnixMilli(st.Clock).UTC().Format(time.RFC3339)),
			field("Keys", fmt.Sprint(st.Keys)),
			field("Timers", fmt.Sprint(st.Timers)),
			field("Tasks", strings.Join(st.Tasks, ", ")),
			field("Distributions", fmt.Sprint(st.Distributions)),
		}
		if st.Failed > 0 {
			lines = append(lines, warnStyle.Render(fmt.Sprintf("%d failed distribution(s) waiting for resume", st.Failed)))
		}
		sections = append(sections, boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func field(label, value string) string {
	return labelStyle.Render(fmt.Sprintf("%-14s", label)) + " " + value
}
