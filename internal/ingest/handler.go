package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"
	"github.com/op/go-logging"

	"quotearchiver/internal/archive"
	"quotearchiver/internal/finnhub"
)

// Quoter fetches the current quote for one symbol.
//
//go:generate mockgen -package=ingest_test -destination=mock_deps_test.go -source=handler.go Quoter Archiver
type Quoter interface {
	Quote(ctx context.Context, symbol string, opts ...finnhub.ClientOption) (finnhub.Quote, error)
}

// Archiver persists a record and returns the key it was written under.
type Archiver interface {
	Put(ctx context.Context, symbol string, capturedAt time.Time, record any) (string, error)
}

// Event is the invocation payload. Scheduled events carry other fields,
// which are ignored.
type Event struct {
	Symbol string `json:"symbol"`
}

// Response is what the function returns to its invoker.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// Metadata is appended to every archived quote.
type Metadata struct {
	Symbol    string `json:"symbol"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

type successBody struct {
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
	S3Key   string         `json:"s3_key"`
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

type Config struct {
	DefaultSymbol string
	Source        string
}

type Handler struct {
	cfg     Config
	quotes  Quoter
	archive Archiver
	log     *logging.Logger
	now     func() time.Time
}

func New(cfg Config, quotes Quoter, archive Archiver, log *logging.Logger) *Handler {
	if cfg.DefaultSymbol == "" {
		cfg.DefaultSymbol = "AAPL"
	}
	if cfg.Source == "" {
		cfg.Source = finnhub.Source
	}
	return &Handler{cfg: cfg, quotes: quotes, archive: archive, log: log, now: time.Now}
}

// WithClock replaces the capture clock. Used by tests.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// Handle captures one quote and archives it. It never returns an error:
// every outcome, including a panic further down, becomes a Response.
func (h *Handler) Handle(ctx context.Context, ev Event) (resp Response, _ error) {
	id := invocationID(ctx)
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Errorf("[%s] Unexpected error: %v", id, rec)
			resp = internalError(fmt.Errorf("%v", rec))
		}
	}()

	symbol := strings.TrimSpace(ev.Symbol)
	if symbol == "" {
		symbol = h.cfg.DefaultSymbol
	}
	capturedAt := h.now().UTC()

	h.log.Infof("[%s] Fetching data for symbol: %s", id, symbol)

	quote, err := h.quotes.Quote(ctx, symbol)
	if err != nil {
		var statusErr *finnhub.StatusError
		if errors.As(err, &statusErr) {
			h.log.Errorf("[%s] Error from Finnhub API: %d - %s", id, statusErr.StatusCode, statusErr.Body)
			return respond(statusErr.StatusCode, errorBody{
				Message: "Error fetching data from Finnhub",
				Error:   statusErr.Body,
			}), nil
		}
		h.log.Errorf("[%s] Unexpected error: %v", id, err)
		return internalError(err), nil
	}

	record := h.enrich(quote, symbol, capturedAt)
	key, err := h.archive.Put(ctx, symbol, capturedAt, record)
	if err != nil {
		h.log.Errorf("[%s] Unexpected error: %v", id, err)
		return internalError(err), nil
	}

	h.log.Infof("[%s] Archived %s quote as %s", id, symbol, key)
	return respond(http.StatusOK, successBody{Message: "Success", Data: record, S3Key: key}), nil
}

// enrich copies the upstream fields and appends the metadata block. The
// quote itself is left untouched.
func (h *Handler) enrich(quote finnhub.Quote, symbol string, capturedAt time.Time) map[string]any {
	record := make(map[string]any, len(quote)+1)
	for k, v := range quote {
		record[k] = v
	}
	record["metadata"] = Metadata{
		Symbol:    symbol,
		Timestamp: archive.Timestamp(capturedAt),
		Source:    h.cfg.Source,
	}
	return record
}

func internalError(err error) Response {
	return respond(http.StatusInternalServerError, errorBody{
		Message: "Internal server error",
		Error:   err.Error(),
	})
}

func respond(status int, body any) Response {
	b, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"message":"Internal server error","error":"encoding response"}`)
	}
	return Response{StatusCode: status, Body: string(b)}
}

// invocationID prefers the Lambda request id so log lines match the
// platform's own START/END records.
func invocationID(ctx context.Context) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		return lc.AwsRequestID
	}
	return uuid.NewString()
}
