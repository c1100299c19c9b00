package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ckcm0210/xlwatch/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, config.ErrConfig) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}

		exitOnError(err)
	}
}
