// Command fetch runs the ingest handler once, locally, and prints the
// response the function would have returned.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"quotearchiver/internal/app"
	"quotearchiver/internal/config"
	"quotearchiver/internal/ingest"
	"quotearchiver/internal/logger"
)

func main() {
	var symbol string
	var timeout int
	var configPath string

	flag.StringVar(&symbol, "symbol", os.Getenv("SYMBOL"), "ticker to capture (default: configured default symbol)")
	flag.IntVar(&timeout, "timeout", 30, "invocation timeout seconds")
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to config file (optional)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ValidateIngest(); err != nil {
		log.Fatalf("config: %v", err)
	}

	lg, err := logger.New("fetch", cfg.Log.Level, os.Stderr, true)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	appCtx, err := app.NewContext(cfg, lg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	resp, _ := appCtx.Handler().Handle(ctx, ingest.Event{Symbol: symbol})

	b, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		log.Fatalf("response: %v", err)
	}
	fmt.Println(string(b))
	if resp.StatusCode != 200 {
		os.Exit(1)
	}
}
