//go:build ignore

// Generates a synthetic document corpus for exercising ingestion.
// Usage: go run scripts/generate-test-corpus.go -files 200 -output testdata/corpus
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
)

var (
	numFiles  = flag.Int("files", 200, "Number of files to generate")
	outputDir = flag.String("output", "testdata/corpus", "Output directory")
	seed      = flag.Int64("seed", 42, "Random seed for reproducibility")
)

var topics = []string{
	"vector databases", "embedding models", "chunking strategies",
	"retrieval quality", "query expansion", "reranking",
	"knowledge management", "document parsing", "observability",
	"service deployment",
}

var sentences = []string{
	"The %s pipeline processes each document before it reaches storage.",
	"Teams evaluating %s should start with a small representative corpus.",
	"Latency in %s is dominated by the embedding step, not the search step.",
	"A common mistake with %s is ignoring the overlap between chunks.",
	"Results for %s degrade quickly when the similarity threshold is too strict.",
	"Monitoring %s requires per-step timing, not just end-to-end latency.",
	"The configuration for %s lives alongside the knowledge base definition.",
	"Hybrid scoring improves %s on short keyword-heavy queries.",
}

func main() {
	flag.Parse()
	rng := rand.New(rand.NewSource(*seed))

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create output dir: %v\n", err)
		os.Exit(1)
	}

	for i := 0; i < *numFiles; i++ {
		topic := topics[rng.Intn(len(topics))]
		ext := ".txt"
		if i%3 == 0 {
			ext = ".md"
		}
		path := filepath.Join(*outputDir, fmt.Sprintf("doc_%04d%s", i, ext))

		var body string
		if ext == ".md" {
			body = fmt.Sprintf("# Notes on %s\n\n", topic)
		}
		paragraphs := 3 + rng.Intn(5)
		for p := 0; p < paragraphs; p++ {
			lines := 3 + rng.Intn(4)
			for l := 0; l < lines; l++ {
				body += fmt.Sprintf(sentences[rng.Intn(len(sentences))], topic) + " "
			}
			body += "\n\n"
		}

		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", path, err)
			os.Exit(1)
		}
	}

	fmt.Printf("Generated %d files in %s\n", *numFiles, *outputDir)
}
