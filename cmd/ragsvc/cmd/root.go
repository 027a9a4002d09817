// Package cmd provides the CLI commands for ragsvc.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dyd1976jp/rag5-simplified-001/pkg/version"
)

var configPath string

// NewRootCmd creates the root command for the ragsvc CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ragsvc",
		Short: "Knowledge-base RAG service",
		Long: `ragsvc runs a retrieval-augmented generation service over local
knowledge bases: document ingestion into Qdrant, hybrid retrieval, and
an LLM chat agent, all served over a REST API.

Embeddings and chat go through a local Ollama instance.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetVersionTemplate("ragsvc version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newFlowsCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
