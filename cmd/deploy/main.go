// Command deploy creates or updates the bucket, execution role, function
// and hourly schedule. It is safe to run repeatedly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"quotearchiver/internal/app"
	"quotearchiver/internal/config"
	"quotearchiver/internal/logger"
	"quotearchiver/internal/provision"
)

func main() {
	var configPath string
	var dryRun bool
	var symbol string
	var schedule string

	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to a JSON or YAML config file (optional)")
	flag.BoolVar(&dryRun, "dry-run", false, "print the resolved deployment and exit")
	flag.StringVar(&symbol, "symbol", "", "symbol sent by the schedule (default: the function's default symbol)")
	flag.StringVar(&schedule, "schedule", "", "schedule expression, e.g. rate(1 hour)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if symbol != "" {
		cfg.Schedule.Symbol = symbol
	}
	if schedule != "" {
		cfg.Schedule.Expression = schedule
	}
	if err := cfg.ValidateDeploy(); err != nil {
		log.Fatalf("config: %v", err)
	}

	lg, err := logger.New("deploy", cfg.Log.Level, os.Stderr, true)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}

	appCtx, err := app.NewContext(cfg, lg)
	if err != nil {
		lg.Fatalf("init: %v", err)
	}

	if dryRun {
		if err := printDescriptor(os.Stdout, appCtx.Descriptor()); err != nil {
			log.Fatalf("descriptor: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := appCtx.Provisioner(ctx)
	if err != nil {
		lg.Fatalf("init: %v", err)
	}
	report, err := p.Run(ctx)
	if err != nil {
		// Run has already logged the failure.
		os.Exit(1)
	}
	lg.Infof("Summary: %s", report)
}

// printDescriptor writes the resolved deployment as indented JSON with
// secrets masked.
func printDescriptor(w io.Writer, desc provision.Descriptor) error {
	b, err := json.MarshalIndent(desc.Redacted(), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
