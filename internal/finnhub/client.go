package finnhub

import (
	"net/http"
)

// baseURL is the Finnhub REST API v1 root. Every endpoint hangs off it,
// /quote being the only one used here.
const baseURL = "https://finnhub.io/api/v1"

// Source tags every record captured through this client.
const Source = "finnhub"

// HTTPClient is the transport the client sends its requests through.
// *http.Client and *httpx.Client satisfy it.
//
//go:generate mockgen -package=finnhub_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client calls the Finnhub stock API. Finnhub authenticates each request
// with the API key in the "token" query parameter; free-tier keys are
// limited to 60 calls a minute and answer 429 beyond that.
//
// See https://finnhub.io/docs/api/quote
type Client struct {
	baseURL    string
	token      string
	httpClient HTTPClient
}

// ClientOption configures a Client. Options also apply per call to Quote.
type ClientOption func(*Client)

// WithBaseURL points the client at another API root, such as a sandbox
// or a test server.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient sets the transport.
func WithHTTPClient(httpClient HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient returns a client authenticated with token. An empty token is
// accepted; Finnhub then answers 401, which surfaces as a StatusError.
func NewClient(token string, options ...ClientOption) (*Client, error) {
	var client = &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: http.DefaultClient,
	}
	for _, option := range options {
		option(client)
	}
	return client, nil
}
