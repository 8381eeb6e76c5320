// Command batchrun runs batch and resident jobs described by a YAML file.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("batchrun"),
		kong.Description("Run batch and resident jobs."),
		kong.UsageOnError(),
	)
	os.Exit(exitStatus(kctx.Run(&cli.Globals)))
}

// exitError carries the exit code of a finished run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintln(os.Stderr, "batchrun:", err)
	return 1
}
