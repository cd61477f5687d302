package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/op/go-logging"

	"quotearchiver/internal/archive"
	"quotearchiver/internal/config"
	"quotearchiver/internal/finnhub"
	"quotearchiver/internal/httpx"
	"quotearchiver/internal/ingest"
	"quotearchiver/internal/provision"
)

// Context holds what a process builds once and shares: config, logger and
// the clients for the quote API and the object store.
type Context struct {
	Config config.Config
	Logger *logging.Logger
	HTTP   *httpx.Client
	Quotes *finnhub.Client
	Store  *minio.Client
}

func NewContext(cfg config.Config, log *logging.Logger) (*Context, error) {
	httpClient := httpx.New(time.Duration(cfg.Finnhub.RequestTimeoutSec) * time.Second)

	quotes, err := finnhub.NewClient(
		cfg.Finnhub.APIKey,
		finnhub.WithBaseURL(cfg.Finnhub.BaseURL),
		finnhub.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("finnhub client: %w", err)
	}

	store, err := newStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}

	return &Context{
		Config: cfg,
		Logger: log,
		HTTP:   httpClient,
		Quotes: quotes,
		Store:  store,
	}, nil
}

// newStore connects to the configured endpoint. Explicit keys win;
// otherwise the standard AWS variables are used, and inside AWS the
// instance or task role.
//
// No region is set on the client: S3 rejects requests signed for the
// wrong region with a 301, so the client has to look up each bucket's
// location itself. The configured region is only used to create buckets.
func newStore(cfg config.Config) (*minio.Client, error) {
	var creds *credentials.Credentials
	if cfg.AWS.AccessKeyID != "" {
		creds = credentials.NewStaticV4(cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey, cfg.AWS.SessionToken)
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.IAM{Client: &http.Client{Transport: http.DefaultTransport}},
		})
	}
	return minio.New(cfg.Storage.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.Storage.Secure,
	})
}

// Archive returns the write path for the configured bucket.
func (c *Context) Archive() *archive.Archive {
	return archive.New(c.Store, c.Config.Storage.Bucket, c.Logger)
}

// Handler returns the ingest handler wired to the live clients.
func (c *Context) Handler() *ingest.Handler {
	return NewHandler(c.Config, c.Quotes, c.Store, c.Logger)
}

// NewHandler wires the ingest handler over any quote source and object
// store, writing to the configured bucket.
//
//go:generate mockgen -package=app_test -destination=mock_object_store_test.go -source=../archive/archive.go ObjectStore
func NewHandler(cfg config.Config, quotes ingest.Quoter, store archive.ObjectStore, log *logging.Logger) *ingest.Handler {
	return ingest.New(ingest.Config{
		DefaultSymbol: cfg.Finnhub.DefaultSymbol,
		Source:        finnhub.Source,
	}, quotes, archive.New(store, cfg.Storage.Bucket, log), log)
}

// Descriptor returns the deployment descriptor for the loaded config.
func (c *Context) Descriptor() provision.Descriptor {
	return provision.FromConfig(c.Config)
}

// Provisioner loads the AWS SDK config for the configured region and
// returns a provisioner using the live control plane.
func (c *Context) Provisioner(ctx context.Context) (*provision.Provisioner, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.Config.AWS.Region)}
	if c.Config.AWS.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(
			c.Config.AWS.AccessKeyID, c.Config.AWS.SecretAccessKey, c.Config.AWS.SessionToken)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	desc := c.Descriptor()
	clients := AWSClients(awsCfg, c.Store)
	return provision.New(desc, clients, provision.NewGoBuilder(desc.Architecture), c.Logger), nil
}

// AWSClients builds the control plane clients from one SDK config.
func AWSClients(awsCfg aws.Config, store provision.BucketAPI) provision.Clients {
	return provision.Clients{
		Buckets: store,
		IAM:     iam.NewFromConfig(awsCfg),
		Lambda:  lambda.NewFromConfig(awsCfg),
		Events:  eventbridge.NewFromConfig(awsCfg),
		STS:     sts.NewFromConfig(awsCfg),
	}
}
