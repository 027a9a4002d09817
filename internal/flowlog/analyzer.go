package flowlog

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// headerPattern matches an event block header line.
var headerPattern = regexp.MustCompile(
	`^\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3})\] ([A-Z_]+) \(Session: ([^)]*)\) \[\+([0-9.]+)s\]$`)

// Parse reads event blocks back out of a flow log. Detail truncated at
// write time stays truncated; parse what is there.
func Parse(r io.Reader) ([]Event, error) {
	var events []Event
	var current *Event

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == heavyRule || line == lightRule || strings.TrimSpace(line) == "":
			continue
		case headerPattern.MatchString(line):
			match := headerPattern.FindStringSubmatch(line)
			ts, err := time.ParseInLocation(timestampLayout, match[1], time.Local)
			if err != nil {
				return nil, fmt.Errorf("bad timestamp %q: %w", match[1], err)
			}
			seconds, err := strconv.ParseFloat(match[4], 64)
			if err != nil {
				return nil, fmt.Errorf("bad elapsed %q: %w", match[4], err)
			}
			events = append(events, Event{
				Timestamp: ts,
				Type:      EventType(match[2]),
				SessionID: match[3],
				Elapsed:   time.Duration(seconds * float64(time.Second)),
			})
			current = &events[len(events)-1]
		case strings.HasPrefix(line, "Status: ") && current != nil:
			current.Status = Status(strings.TrimPrefix(line, "Status: "))
		case strings.HasPrefix(line, "  ") && current != nil:
			key, value, found := strings.Cut(strings.TrimPrefix(line, "  "), ": ")
			if !found {
				continue
			}
			if current.Detail == nil {
				current.Detail = make(map[string]string)
			}
			current.Detail[key] = strings.ReplaceAll(value, "\\n", "\n")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// TypeStats aggregates the elapsed-time deltas of one event type.
type TypeStats struct {
	Count      int     `json:"count"`
	AvgSeconds float64 `json:"avg_seconds"`
	MinSeconds float64 `json:"min_seconds"`
	MaxSeconds float64 `json:"max_seconds"`
	P95Seconds float64 `json:"p95_seconds"`
}

// Analysis is the summary of a set of flow events.
type Analysis struct {
	TotalEvents int                     `json:"total_events"`
	Sessions    int                     `json:"sessions"`
	ByType      map[EventType]TypeStats `json:"by_type"`
	Errors      []Event                 `json:"errors,omitempty"`
	SlowOps     []Event                 `json:"slow_ops,omitempty"`
}

// SlowOpThreshold marks an individual step as slow.
const SlowOpThreshold = 5 * time.Second

// Analyze summarizes events, optionally restricted to one session.
// Per-type durations are the gap between an event and its session's
// previous event, which is what each step actually cost.
func Analyze(events []Event, sessionID string) *Analysis {
	a := &Analysis{ByType: make(map[EventType]TypeStats)}
	durations := make(map[EventType][]float64)
	sessions := make(map[string]bool)
	lastElapsed := make(map[string]time.Duration)

	for _, ev := range events {
		if sessionID != "" && ev.SessionID != sessionID {
			continue
		}
		a.TotalEvents++
		sessions[ev.SessionID] = true

		step := ev.Elapsed - lastElapsed[ev.SessionID]
		if step < 0 {
			step = 0
		}
		lastElapsed[ev.SessionID] = ev.Elapsed
		durations[ev.Type] = append(durations[ev.Type], step.Seconds())

		if ev.Type == EventError || ev.Status == StatusError {
			a.Errors = append(a.Errors, ev)
		}
		if step >= SlowOpThreshold {
			a.SlowOps = append(a.SlowOps, ev)
		}
	}

	a.Sessions = len(sessions)
	for t, samples := range durations {
		a.ByType[t] = summarize(samples)
	}
	return a
}

func summarize(samples []float64) TypeStats {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	var sum float64
	for _, s := range sorted {
		sum += s
	}
	idx := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return TypeStats{
		Count:      len(sorted),
		AvgSeconds: sum / float64(len(sorted)),
		MinSeconds: sorted[0],
		MaxSeconds: sorted[len(sorted)-1],
		P95Seconds: sorted[idx],
	}
}

// ExportJSON writes the analysis as indented JSON.
func ExportJSON(w io.Writer, a *Analysis) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(a)
}

// ExportCSV writes the per-type statistics as CSV rows.
func ExportCSV(w io.Writer, a *Analysis) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"event_type", "count", "avg_seconds", "min_seconds", "max_seconds", "p95_seconds"}); err != nil {
		return err
	}

	types := make([]string, 0, len(a.ByType))
	for t := range a.ByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		s := a.ByType[EventType(t)]
		row := []string{
			t,
			strconv.Itoa(s.Count),
			strconv.FormatFloat(s.AvgSeconds, 'f', 3, 64),
			strconv.FormatFloat(s.MinSeconds, 'f', 3, 64),
			strconv.FormatFloat(s.MaxSeconds, 'f', 3, 64),
			strconv.FormatFloat(s.P95Seconds, 'f', 3, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
