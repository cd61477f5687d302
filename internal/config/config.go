package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type AWS struct {
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

type Finnhub struct {
	APIKey            string `mapstructure:"api_key"`
	BaseURL           string `mapstructure:"base_url"`
	DefaultSymbol     string `mapstructure:"default_symbol"`
	RequestTimeoutSec int    `mapstructure:"request_timeout_sec"`
}

// Storage points at the S3-compatible store holding the archive.
// Endpoint and Secure exist so a local MinIO can stand in for S3.
type Storage struct {
	Bucket   string `mapstructure:"bucket"`
	Endpoint string `mapstructure:"endpoint"`
	Secure   bool   `mapstructure:"secure"`
}

type Function struct {
	Name         string `mapstructure:"name"`
	RoleName     string `mapstructure:"role_name"`
	Runtime      string `mapstructure:"runtime"`
	Handler      string `mapstructure:"handler"`
	Architecture string `mapstructure:"architecture"`
	TimeoutSec   int    `mapstructure:"timeout_sec"`
	MemoryMB     int    `mapstructure:"memory_mb"`
	// Package is the Go package compiled into the bootstrap binary.
	Package      string `mapstructure:"package"`
	ArtifactPath string `mapstructure:"artifact_path"`
}

type Schedule struct {
	RuleName   string `mapstructure:"rule_name"`
	Expression string `mapstructure:"expression"`
	// Symbol, when set, is sent as the constant input of the schedule target.
	Symbol string `mapstructure:"symbol"`
}

type Provision struct {
	SettleSec       int `mapstructure:"settle_sec"`
	PollIntervalSec int `mapstructure:"poll_interval_sec"`
	ReadyTimeoutSec int `mapstructure:"ready_timeout_sec"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	AWS       AWS       `mapstructure:"aws"`
	Finnhub   Finnhub   `mapstructure:"finnhub"`
	Storage   Storage   `mapstructure:"storage"`
	Function  Function  `mapstructure:"function"`
	Schedule  Schedule  `mapstructure:"schedule"`
	Provision Provision `mapstructure:"provision"`
	Log       Log       `mapstructure:"log"`
}

func Default() Config {
	return Config{
		AWS: AWS{Region: "us-east-1"},
		Finnhub: Finnhub{
			BaseURL:       "https://finnhub.io/api/v1",
			DefaultSymbol: "AAPL",
		},
		Storage: Storage{
			Bucket:   "finnhub-stock-data",
			Endpoint: "s3.amazonaws.com",
			Secure:   true,
		},
		Function: Function{
			Name:         "finnhub-stock-data",
			RoleName:     "lambda-finnhub-role",
			Runtime:      "provided.al2023",
			Handler:      "bootstrap",
			Architecture: "arm64",
			TimeoutSec:   30,
			MemoryMB:     128,
			Package:      "./cmd/ingest",
			ArtifactPath: "deployment.zip",
		},
		Schedule: Schedule{
			RuleName:   "finnhub-data-schedule",
			Expression: "rate(1 hour)",
		},
		Provision: Provision{
			SettleSec:       10,
			PollIntervalSec: 2,
			ReadyTimeoutSec: 60,
		},
		Log: Log{Level: "INFO"},
	}
}

// envAliases binds keys to the historical variable names the deployed
// function and operators already use. The first non-empty variable wins.
var envAliases = map[string][]string{
	"aws.region":             {"AWS_REGION", "AWS_DEFAULT_REGION"},
	"finnhub.default_symbol": {"FINNHUB_DEFAULT_SYMBOL", "DEFAULT_SYMBOL"},
	"storage.bucket":         {"STORAGE_BUCKET", "BUCKET_NAME"},
}

// Load reads config from path (JSON, YAML or .env, by extension). If path is
// empty, a config.{json,yaml,yml} in the working directory is used when
// present, otherwise defaults. Environment variables override every key:
// finnhub.api_key is FINNHUB_API_KEY, function.timeout_sec is
// FUNCTION_TIMEOUT_SEC, and so on.
func Load(path string) (Config, error) {
	cfg := Default()
	v := viper.New()
	setDefaults(v, cfg)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return cfg, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Finnhub.DefaultSymbol = strings.TrimSpace(cfg.Finnhub.DefaultSymbol)
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can see it during Unmarshal.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("aws.region", cfg.AWS.Region)
	v.SetDefault("aws.access_key_id", cfg.AWS.AccessKeyID)
	v.SetDefault("aws.secret_access_key", cfg.AWS.SecretAccessKey)
	v.SetDefault("aws.session_token", cfg.AWS.SessionToken)

	v.SetDefault("finnhub.api_key", cfg.Finnhub.APIKey)
	v.SetDefault("finnhub.base_url", cfg.Finnhub.BaseURL)
	v.SetDefault("finnhub.default_symbol", cfg.Finnhub.DefaultSymbol)
	v.SetDefault("finnhub.request_timeout_sec", cfg.Finnhub.RequestTimeoutSec)

	v.SetDefault("storage.bucket", cfg.Storage.Bucket)
	v.SetDefault("storage.endpoint", cfg.Storage.Endpoint)
	v.SetDefault("storage.secure", cfg.Storage.Secure)

	v.SetDefault("function.name", cfg.Function.Name)
	v.SetDefault("function.role_name", cfg.Function.RoleName)
	v.SetDefault("function.runtime", cfg.Function.Runtime)
	v.SetDefault("function.handler", cfg.Function.Handler)
	v.SetDefault("function.architecture", cfg.Function.Architecture)
	v.SetDefault("function.timeout_sec", cfg.Function.TimeoutSec)
	v.SetDefault("function.memory_mb", cfg.Function.MemoryMB)
	v.SetDefault("function.package", cfg.Function.Package)
	v.SetDefault("function.artifact_path", cfg.Function.ArtifactPath)

	v.SetDefault("schedule.rule_name", cfg.Schedule.RuleName)
	v.SetDefault("schedule.expression", cfg.Schedule.Expression)
	v.SetDefault("schedule.symbol", cfg.Schedule.Symbol)

	v.SetDefault("provision.settle_sec", cfg.Provision.SettleSec)
	v.SetDefault("provision.poll_interval_sec", cfg.Provision.PollIntervalSec)
	v.SetDefault("provision.ready_timeout_sec", cfg.Provision.ReadyTimeoutSec)

	v.SetDefault("log.level", cfg.Log.Level)
}

// ValidateIngest reports the settings the deployed handler cannot run without.
func (c Config) ValidateIngest() error {
	var errs []error
	if c.Finnhub.APIKey == "" {
		errs = append(errs, errors.New("FINNHUB_API_KEY is not set"))
	}
	if c.Finnhub.BaseURL == "" {
		errs = append(errs, errors.New("finnhub.base_url is empty"))
	}
	if c.Storage.Bucket == "" {
		errs = append(errs, errors.New("storage.bucket is empty"))
	}
	if c.Storage.Endpoint == "" {
		errs = append(errs, errors.New("storage.endpoint is empty"))
	}
	return errors.Join(errs...)
}

// ValidateDeploy reports the settings the provisioner cannot run without.
func (c Config) ValidateDeploy() error {
	errs := []error{c.ValidateIngest()}
	if c.AWS.Region == "" {
		errs = append(errs, errors.New("AWS_REGION is not set"))
	}
	if c.Function.Name == "" {
		errs = append(errs, errors.New("function.name is empty"))
	}
	if c.Function.RoleName == "" {
		errs = append(errs, errors.New("function.role_name is empty"))
	}
	if c.Function.TimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("function.timeout_sec must be positive, got %d", c.Function.TimeoutSec))
	}
	if c.Function.MemoryMB < 128 {
		errs = append(errs, fmt.Errorf("function.memory_mb must be at least 128, got %d", c.Function.MemoryMB))
	}
	if c.Schedule.RuleName == "" {
		errs = append(errs, errors.New("schedule.rule_name is empty"))
	}
	if c.Schedule.Expression == "" {
		errs = append(errs, errors.New("schedule.expression is empty"))
	}
	return errors.Join(errs...)
}
