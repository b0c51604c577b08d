package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"bugpilot/internal/client"
	"bugpilot/internal/shared/model"
)

var kindIcons = map[client.EntryKind]string{
	client.EntryAction:  "→",
	client.EntryResult:  "✓",
	client.EntryError:   "✗",
	client.EntrySuccess: "■",
}

var agentColors = map[model.Agent]color.Attribute{
	model.AgentTriage:          color.FgCyan,
	model.AgentCodebaseSearch:  color.FgYellow,
	model.AgentDocAnalysis:     color.FgBlue,
	model.AgentLogAnalysis:     color.FgGreen,
	model.AgentPatchGeneration: color.FgHiCyan,
}

// timelinePrinter 增量输出新增的时间线条目
//
// 在引擎事件循环内调用，无需加锁。
type timelinePrinter struct {
	w       io.Writer
	printed int
}

func (p *timelinePrinter) update(s client.State) {
	// Start 之后状态被重置
	if len(s.Timeline) < p.printed {
		p.printed = 0
	}
	for _, it := range s.Timeline[p.printed:] {
		printEntry(p.w, it)
	}
	p.printed = len(s.Timeline)
}

func printEntry(w io.Writer, it client.TimelineItem) {
	label := strings.ToUpper(strings.ReplaceAll(string(it.Agent), "_", " "))
	line := fmt.Sprintf("  [%s] %s %s", label, kindIcons[it.Entry.Kind], it.Entry.Message)

	var attrs []color.Attribute
	switch it.Entry.Kind {
	case client.EntryError:
		attrs = []color.Attribute{color.FgRed}
	case client.EntryResult, client.EntrySuccess:
		attrs = []color.Attribute{color.Bold, agentColors[it.Agent]}
	default:
		attrs = []color.Attribute{agentColors[it.Agent]}
	}
	color.New(attrs...).Fprintln(w, line)
}

// renderSummary 输出运行结束后的汇总
func renderSummary(w io.Writer, s client.State) {
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	status := string(s.Status)
	switch s.Status {
	case client.RunComplete:
		status = green(status)
	case client.RunError:
		status = red(status)
	}

	fmt.Fprintf(w, "\n%s\n", bold("=== Investigation ==="))
	if s.RunID != "" {
		fmt.Fprintf(w, "Run:      %s\n", s.RunID)
	}
	fmt.Fprintf(w, "Status:   %s\n", status)
	fmt.Fprintf(w, "Elapsed:  %s\n", s.Elapsed().Round(100*time.Millisecond))
	if s.Overview != nil && s.Overview.Degraded {
		fmt.Fprintf(w, "Outcome:  %s\n", red("degraded"))
	}

	fmt.Fprintf(w, "Agents:\n")
	for _, a := range client.KnownAgents {
		st := s.Agent(a)
		line := fmt.Sprintf("  %-18s %-8s %d entries", a, st.Status, len(st.Entries))
		if st.Status == client.AgentIdle {
			line = gray(line)
		}
		fmt.Fprintln(w, line)
	}

	if s.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", red(s.Error))
	}
	if s.Report != nil {
		fmt.Fprintf(w, "Report:   %s\n", s.Report.Summary())
	} else if len(s.RawReport) > 0 {
		fmt.Fprintf(w, "Report:   %s\n", gray("(unrecognised report payload)"))
	}
}
