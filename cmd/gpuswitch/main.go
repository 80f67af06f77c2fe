package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gpuswitch/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd(os.Stdin, os.Stdout).ExecuteContext(ctx)
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
