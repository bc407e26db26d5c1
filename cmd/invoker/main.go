// Command invoker builds submissions inside the minion sandbox. It serves
// build requests over HTTP or drains a task source.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newCLI().Execute(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invoker: %v\n", err)
		os.Exit(1)
	}
}
