// Command sandboxctl runs Python snippets in a sandbox from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	stop()

	var exitErr *exitCodeError
	switch {
	case err == nil:
		return
	case errors.As(err, &exitErr):
		os.Exit(exitErr.code)
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
