package flowlog

import (
	"fmt"
	"sort"
	"strings"
)

const (
	lineWidth       = 80
	timestampLayout = "2006-01-02 15:04:05.000"
)

var (
	heavyRule = strings.Repeat("=", lineWidth)
	lightRule = strings.Repeat("-", lineWidth)
)

// Format renders one event as a log block:
//
//	================================================================================
//	[2026-08-24 10:15:02.123] TOOL_EXECUTION (Session: 7f3a...) [+1.204s]
//	Status: SUCCESS
//	--------------------------------------------------------------------------------
//	  tool: search_knowledge_base
//	  results: 5
//
// The status line is written at every detail level. At DetailMinimal
// the detail section and its rule are omitted. At DetailNormal each
// value is cut at NormalDetailLimit characters with the full length
// noted. Detail keys are written in sorted order so output is stable.
func Format(ev Event, level DetailLevel) string {
	var b strings.Builder
	b.WriteString(heavyRule)
	b.WriteByte('\n')
	fmt.Fprintf(&b, "[%s] %s (Session: %s) [+%.3fs]\n",
		ev.Timestamp.Format(timestampLayout), ev.Type, ev.SessionID, ev.Elapsed.Seconds())
	if ev.Status != "" {
		fmt.Fprintf(&b, "Status: %s\n", ev.Status)
	}

	if level == DetailMinimal || len(ev.Detail) == 0 {
		return b.String()
	}

	b.WriteString(lightRule)
	b.WriteByte('\n')
	keys := make([]string, 0, len(ev.Detail))
	for k := range ev.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %s\n", k, formatValue(ev.Detail[k], level))
	}
	return b.String()
}

func formatValue(v string, level DetailLevel) string {
	// Keep one detail per line; embedded newlines would break parsing.
	v = strings.ReplaceAll(v, "\n", "\\n")
	if level == DetailVerbose {
		return v
	}
	runes := []rune(v)
	if len(runes) <= NormalDetailLimit {
		return v
	}
	return fmt.Sprintf("%s... [Full length: %d chars]", string(runes[:NormalDetailLimit]), len(runes))
}
