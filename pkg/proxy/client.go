package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

//go:generate moq -out client_mock.go -fmt goimports . Client

// Client executes outbound requests to the destination.
// Implementations must be safe for concurrent use.
type Client interface {
	Execute(ctx context.Context, req Request) (*Response, error)
}

// Request is an outbound request to the destination.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a response received from the destination.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// HTTPClient is a Client backed by a net/http client.
type HTTPClient struct {
	Client *http.Client
}

// Execute sends the request and reads the whole response body
// into memory.
func (c *HTTPClient) Execute(ctx context.Context, req Request) (*Response, error) {
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	hreq.Header = req.Header.Clone()
	// the Host header is controlled by the request's Host field,
	// not by the header map
	if host := req.Header.Get("Host"); host != "" {
		hreq.Host = host
		hreq.Header.Del("Host")
	}

	resp, err := c.Client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}
