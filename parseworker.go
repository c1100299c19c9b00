package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ckcm0210/xlwatch/internal/xlparse"
)

// newParseWorkerCmd is the hidden entry point for the isolated workbook
// parser: the watcher re-invokes its own binary with this subcommand, one
// request per process, JSON over stdin/stdout. The process boundary is
// what keeps a crashing or hostile workbook from taking down the watcher.
func newParseWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "parse-worker",
		Hidden:      true,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(*cobra.Command, []string) error {
			return xlparse.RunWorker(os.Stdin, os.Stdout)
		},
	}
}
