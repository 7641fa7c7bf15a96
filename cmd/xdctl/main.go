package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crossdeck/crossdeck/internal/cli"
	"github.com/crossdeck/crossdeck/internal/termio"
)

var version = "dev"

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Fprintln(termio.Stderr(), "\nShutting down...")
		cancel()

		// Force exit on second signal
		<-sigChan
		termio.Flush(200 * time.Millisecond)
		os.Exit(1)
	}()

	err := cli.Execute(ctx, version)
	if err != nil {
		fmt.Fprintln(termio.Stderr(), err)
	}
	termio.Flush(time.Second)
	if err != nil {
		os.Exit(1)
	}
}
