// Command continuity runs the offline continuity service.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mirrowen/afterglow/internal/cmd/continuity"
	"github.com/mirrowen/afterglow/internal/platform/config"
)

func main() {
	log.SetPrefix("[CONTINUITY] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := flag.NewFlagSet("continuity", flag.ExitOnError)
	cfg, err := continuity.ParseConfig(fs, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	if err := continuity.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("continuity service exited: %v", err)
	}
}
