package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/iambrandonn/taskswarm/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		if !errors.Is(err, cli.ErrBlocked) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}
