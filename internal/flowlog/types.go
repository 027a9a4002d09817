// Package flowlog records the agent's query execution flow as
// human-readable event blocks, and analyzes recorded flows for timing
// statistics, errors, and slow operations. Logging is asynchronous:
// events pass through a bounded queue, and overflow drops events
// rather than blocking the query path.
package flowlog

import (
	"fmt"
	"time"
)

// EventType tags one step of a query flow.
type EventType string

const (
	EventQueryStart    EventType = "QUERY_START"
	EventQueryAnalysis EventType = "QUERY_ANALYSIS"
	EventToolSelection EventType = "TOOL_SELECTION"
	EventToolExecution EventType = "TOOL_EXECUTION"
	EventLLMCall       EventType = "LLM_CALL"
	EventQueryComplete EventType = "QUERY_COMPLETE"
	EventError         EventType = "ERROR"

	// EventLogOverflow marks a gap where the queue was full and events
	// were dropped.
	EventLogOverflow EventType = "LOG_OVERFLOW"
)

// Status reports how a step ended. Steps that open a longer phase
// (a query starting, a tool about to run) are IN_PROGRESS; everything
// else lands on SUCCESS or ERROR.
type Status string

const (
	StatusSuccess    Status = "SUCCESS"
	StatusError      Status = "ERROR"
	StatusInProgress Status = "IN_PROGRESS"
)

// Event is one recorded step.
type Event struct {
	// Timestamp is when the step happened.
	Timestamp time.Time `json:"timestamp"`
	// Type tags the step.
	Type EventType `json:"type"`
	// Status reports how the step ended.
	Status Status `json:"status,omitempty"`
	// SessionID groups the events of one query flow.
	SessionID string `json:"session_id"`
	// Elapsed is the time since the session's first event.
	Elapsed time.Duration `json:"elapsed"`
	// Detail holds free-form step attributes.
	Detail map[string]string `json:"detail,omitempty"`
}

// DetailLevel controls how much of each event's detail is written.
type DetailLevel string

const (
	// DetailMinimal writes headers only.
	DetailMinimal DetailLevel = "minimal"
	// DetailNormal writes detail values truncated to NormalDetailLimit.
	DetailNormal DetailLevel = "normal"
	// DetailVerbose writes detail values in full.
	DetailVerbose DetailLevel = "verbose"
)

// NormalDetailLimit is the per-value character cap at DetailNormal.
const NormalDetailLimit = 500

// ParseDetailLevel validates a detail-level string.
func ParseDetailLevel(s string) (DetailLevel, error) {
	switch DetailLevel(s) {
	case DetailMinimal, DetailNormal, DetailVerbose:
		return DetailLevel(s), nil
	default:
		return "", fmt.Errorf("unknown detail level %q", s)
	}
}
