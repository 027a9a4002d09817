package ingest

import (
	"sync"
	"time"
)

// Report summarizes one ingestion run.
type Report struct {
	DocumentsLoaded int       `json:"documents_loaded"`
	ChunksCreated   int       `json:"chunks_created"`
	VectorsUploaded int       `json:"vectors_uploaded"`
	SkippedFiles    int       `json:"skipped_files"`
	FailedFiles     []string  `json:"failed_files,omitempty"`
	Errors          []string  `json:"errors,omitempty"`
	TotalSeconds    float64   `json:"total_seconds"`
	Timestamp       time.Time `json:"timestamp"`
}

// reportBuilder accumulates a Report from concurrent workers.
type reportBuilder struct {
	mu     sync.Mutex
	report Report
	start  time.Time
}

func newReportBuilder() *reportBuilder {
	return &reportBuilder{start: time.Now()}
}

func (b *reportBuilder) addSuccess(docs, chunks, vectors int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.DocumentsLoaded += docs
	b.report.ChunksCreated += chunks
	b.report.VectorsUploaded += vectors
}

func (b *reportBuilder) addFailure(path string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.FailedFiles = append(b.report.FailedFiles, path)
	b.report.Errors = append(b.report.Errors, err.Error())
}

func (b *reportBuilder) addSkipped() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.SkippedFiles++
}

func (b *reportBuilder) build() *Report {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.report
	r.TotalSeconds = time.Since(b.start).Seconds()
	r.Timestamp = time.Now().UTC()
	return &r
}
