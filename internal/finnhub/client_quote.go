package finnhub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxErrorBody caps how much of a failed response is kept for the caller.
const maxErrorBody = 4 << 10

// Quote is the /quote response, kept as the upstream sent it. Numbers are
// json.Number so re-encoding does not change them.
type Quote map[string]any

// StatusError is returned when the API answers with anything but 200.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("finnhub: unexpected status code %d: %s", e.StatusCode, e.Body)
}

// Quote retrieves the current quote for symbol: current price (c), change
// (d, dp), day high and low (h, l), open (o), previous close (pc) and the
// quote time (t). Fields are returned exactly as Finnhub sent them.
func (c *Client) Quote(ctx context.Context, symbol string, opts ...ClientOption) (Quote, error) {
	var override = *c
	for _, opt := range opts {
		opt(&override)
	}

	query := url.Values{}
	query.Set("symbol", symbol)
	if override.token != "" {
		query.Set("token", override.token)
	}

	endpoint := fmt.Sprintf("%s/quote?%s", strings.TrimRight(override.baseURL, "/"), query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := override.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: res.StatusCode, Body: string(b)}
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote response: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var quote Quote
	if err := dec.Decode(&quote); err != nil {
		return nil, fmt.Errorf("decoding quote response: %w with %s", err, truncate(body))
	}
	if quote == nil {
		// a literal null decodes without error
		return nil, errors.New("decoding quote response: body is null")
	}
	return quote, nil
}

func truncate(b []byte) string {
	if len(b) > 256 {
		return string(b[:256]) + "..."
	}
	return string(b)
}
