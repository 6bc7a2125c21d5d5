package main

import (
	"fmt"
	"os"

	"code.cloudfoundry.org/mjail/metrics"
)

func main() {
	root, env := newRootCommand()

	err := root.Execute()

	if env := env(); env != nil {
		metrics.Report(env.logger)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
