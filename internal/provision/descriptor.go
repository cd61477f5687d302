package provision

import (
	"time"

	"quotearchiver/internal/config"
)

// Descriptor is the desired state of one deployment. It is built once per
// run and never modified.
type Descriptor struct {
	Region string

	Bucket string

	FunctionName string
	RoleName     string
	Runtime      string
	Handler      string
	Architecture string
	Timeout      int32
	MemoryMB     int32
	Environment  map[string]string

	RuleName           string
	ScheduleExpression string
	// TargetSymbol, when set, is sent to the function as {"symbol": ...}
	// on every scheduled invocation.
	TargetSymbol string

	SourcePackage string
	ArtifactPath  string

	Settle       time.Duration
	PollInterval time.Duration
	ReadyTimeout time.Duration
}

// FromConfig resolves the descriptor for cfg. The function environment
// carries only what the handler reads; AWS reserves the credential and
// region variables and injects them itself.
func FromConfig(cfg config.Config) Descriptor {
	env := map[string]string{
		"FINNHUB_API_KEY": cfg.Finnhub.APIKey,
		"BUCKET_NAME":     cfg.Storage.Bucket,
		"DEFAULT_SYMBOL":  cfg.Finnhub.DefaultSymbol,
		"LOG_LEVEL":       cfg.Log.Level,
	}
	for k, v := range env {
		if v == "" {
			delete(env, k)
		}
	}

	return Descriptor{
		Region:             cfg.AWS.Region,
		Bucket:             cfg.Storage.Bucket,
		FunctionName:       cfg.Function.Name,
		RoleName:           cfg.Function.RoleName,
		Runtime:            cfg.Function.Runtime,
		Handler:            cfg.Function.Handler,
		Architecture:       cfg.Function.Architecture,
		Timeout:            int32(cfg.Function.TimeoutSec),
		MemoryMB:           int32(cfg.Function.MemoryMB),
		Environment:        env,
		RuleName:           cfg.Schedule.RuleName,
		ScheduleExpression: cfg.Schedule.Expression,
		TargetSymbol:       cfg.Schedule.Symbol,
		SourcePackage:      cfg.Function.Package,
		ArtifactPath:       cfg.Function.ArtifactPath,
		Settle:             time.Duration(cfg.Provision.SettleSec) * time.Second,
		PollInterval:       time.Duration(cfg.Provision.PollIntervalSec) * time.Second,
		ReadyTimeout:       time.Duration(cfg.Provision.ReadyTimeoutSec) * time.Second,
	}
}

// Redacted returns a copy safe to print: secret environment values are
// masked.
func (d Descriptor) Redacted() Descriptor {
	env := make(map[string]string, len(d.Environment))
	for k, v := range d.Environment {
		if k == "FINNHUB_API_KEY" && v != "" {
			v = "****"
		}
		env[k] = v
	}
	d.Environment = env
	return d
}
