package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
)

// NewStdoutLogger returns a new logger that logs to stdout.
func NewStdoutLogger() logr.Logger {
	return NewWriterLogger(os.Stdout, 0)
}

// NewWriterLogger is NewStdoutLogger for any writer, printing V-levels up
// to verbosity.
func NewWriterLogger(w io.Writer, verbosity int) logr.Logger {
	return funcr.New(func(prefix string, args string) {
		if prefix != "" {
			fmt.Fprintf(w, "%s: %s\n", prefix, args)
		} else {
			fmt.Fprintf(w, "%s\n", args)
		}
	}, funcr.Options{Verbosity: verbosity})
}
