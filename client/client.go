// Package client talks to a flagsync (or compatible edge) trait API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	v1 "flagsync/pkg/api/v1"
	"flagsync/pkg/constraints"
)

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func (e *StatusError) HTTPStatus() int { return e.Code }

// TraitClient calls the SDK trait endpoints with one environment key.
type TraitClient struct {
	addr       string
	apiKey     string
	httpClient *http.Client
}

func NewTraitClient(addr, apiKey string, timeout time.Duration) *TraitClient {
	return &TraitClient{
		addr:       strings.TrimRight(addr, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetTrait writes one trait. value is any JSON-encodable value; nil deletes.
func (c *TraitClient) SetTrait(ctx context.Context, identifier, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/api/v1/traits/", v1.TraitRequest{
		Identity:   v1.IdentityRef{Identifier: identifier},
		TraitKey:   key,
		TraitValue: raw,
	}, nil)
}

func (c *TraitClient) IncrementTrait(ctx context.Context, identifier, key string, by int64) (int64, error) {
	var out v1.IncrementResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/traits/increment-value/", v1.IncrementRequest{
		Identifier:  identifier,
		TraitKey:    key,
		IncrementBy: by,
	}, &out)
	return out.Value, err
}

// BulkItem mirrors one entry of the bulk response.
type BulkItem struct {
	Index      int             `json:"index"`
	Identifier string          `json:"identifier"`
	TraitKey   string          `json:"trait_key"`
	Deleted    bool            `json:"deleted"`
	Error      json.RawMessage `json:"error,omitempty"`
}

func (c *TraitClient) BulkUpsertTraits(ctx context.Context, entries []v1.TraitRequest) ([]BulkItem, error) {
	var out []BulkItem
	err := c.do(ctx, http.MethodPut, "/api/v1/traits/bulk/", entries, &out)
	return out, err
}

// Trait is one stored trait as returned by ListTraits.
type Trait struct {
	TraitKey   string          `json:"trait_key"`
	TraitValue json.RawMessage `json:"trait_value"`
	ValueType  string          `json:"value_type"`
}

func (c *TraitClient) ListTraits(ctx context.Context, identifier string) ([]Trait, error) {
	var out struct {
		Traits []Trait `json:"traits"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/traits/?identifier="+url.QueryEscape(identifier), nil, &out)
	return out.Traits, err
}

func (c *TraitClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, body)
	if err != nil {
		return err
	}
	req.Header.Set(constraints.HeaderEnvironmentKey, c.apiKey)
	if in != nil {
		req.Header.Set(constraints.HeaderContentType, "application/json")
	}
	return send(c.httpClient, req, out)
}

func send(hc *http.Client, req *http.Request, out any) error {
	res, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &StatusError{Code: res.StatusCode, Body: string(b)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
