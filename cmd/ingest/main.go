// Command ingest is the Lambda function: each invocation captures one
// quote and archives it to S3.
package main

import (
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/joho/godotenv"

	"quotearchiver/internal/app"
	"quotearchiver/internal/config"
	"quotearchiver/internal/logger"
)

func main() {
	// A packaged .env is optional; Lambda environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ValidateIngest(); err != nil {
		log.Fatalf("config: %v", err)
	}

	lg, err := logger.New("ingest", cfg.Log.Level, os.Stdout, false)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}

	ctx, err := app.NewContext(cfg, lg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}

	lambda.Start(ctx.Handler().Handle)
}
