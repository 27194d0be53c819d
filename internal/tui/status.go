package tui

import (
	"fmt"
	"strings"
	"time"

	"tributary/internal/changes"
	"tributary/internal/llmlock"
	"tributary/internal/pipeline"
)

func renderLock(st llmlock.State, ours bool) string {
	if !st.Locked {
		return "  LLM lock  " + freeStyle.Render("free") + "\n"
	}
	line := "  LLM lock  " + heldStyle.Render("held")
	if st.RemainingSeconds > 0 {
		line += dimStyle.Render(fmt.Sprintf("  %s left", time.Duration(st.RemainingSeconds*float64(time.Second)).Round(time.Second)))
	}
	if ours {
		line += dimStyle.Render("  (this dashboard)")
	}
	return line + "\n"
}

func renderStages(stages []pipeline.StageSnapshot) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("  %-10s %7s %9s %8s %7s %6s %7s", "stage", "workers", "processed", "filtered", "failed", "pauses", "queue")) + "\n")
	for _, s := range stages {
		name := s.Name
		if !s.Running {
			name = dimStyle.Render(fmt.Sprintf("%-10s", name))
		} else {
			name = fmt.Sprintf("%-10s", name)
		}
		failed := fmt.Sprintf("%7d", s.Failed)
		if s.Failed > 0 {
			failed = failStyle.Render(failed)
		}
		fmt.Fprintf(&b, "  %s %7d %9d %8d %s %6d %3d/%-3d\n",
			name, s.Workers, s.Processed, s.Filtered, failed, s.Paused, s.QueueDepth, s.QueueCap)
	}
	return b.String()
}

func renderScan(r changes.ScanReport, scanning bool, spin string) string {
	if scanning {
		return fmt.Sprintf("  %s scanning...\n", spin)
	}
	if r.Seen == 0 && r.Deleted == 0 {
		return dimStyle.Render("  no scan yet") + "\n"
	}
	return fmt.Sprintf("  Last scan  %d seen, %d discovered, %d modified, %d deleted, %d backfilled in %s\n",
		r.Seen, r.Discovered, r.Modified, r.Deleted, r.Backfilled, r.Duration.Round(time.Millisecond))
}
