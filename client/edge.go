package client

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	v1 "flagsync/pkg/api/v1"
)

// EdgeClient replays forwarded trait writes against the edge API. Paths in
// a ForwardRequest are relative to baseURL.
type EdgeClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewEdgeClient(baseURL string, timeout time.Duration) *EdgeClient {
	return &EdgeClient{
		baseURL:    strings.TrimRight(baseURL, "/") + "/",
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Forward sends req once. A non-2xx answer is a *StatusError.
func (c *EdgeClient) Forward(ctx context.Context, req v1.ForwardRequest) error {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+strings.TrimLeft(req.Path, "/"), bytes.NewReader(req.Payload))
	if err != nil {
		return err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return send(c.httpClient, httpReq, nil)
}
