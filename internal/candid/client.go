// Package candid holds the value-decoding collaborator: something that turns
// candid-encoded argument and result bytes into structured values. The real
// work (interface-description resolution, typed decoding) lives in an
// external service; this package only speaks to it.
package candid

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client decodes values by POSTing them to a didc-style decode service. The
// service may fetch canister interface descriptions on its own and can fail
// independently of envelope decoding.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type decodeRequest struct {
	CanisterID string `json:"canister_id"`
	Method     string `json:"method"`
	Direction  string `json:"direction"`
	ArgBase64  string `json:"arg_base64"`
}

type decodeResponse struct {
	Value any    `json:"value"`
	Error string `json:"error,omitempty"`
}

func (c *Client) DecodeArgs(ctx context.Context, canisterID, method string, raw []byte) (any, error) {
	return c.decode(ctx, canisterID, method, "args", raw)
}

func (c *Client) DecodeResult(ctx context.Context, canisterID, method string, raw []byte) (any, error) {
	return c.decode(ctx, canisterID, method, "result", raw)
}

func (c *Client) decode(ctx context.Context, canisterID, method, direction string, raw []byte) (any, error) {
	payload, err := json.Marshal(decodeRequest{
		CanisterID: canisterID,
		Method:     method,
		Direction:  direction,
		ArgBase64:  base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		return nil, fmt.Errorf("candid: marshal decode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/decode", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("candid: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("candid: decode service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("candid: decode service returned %d", resp.StatusCode)
	}

	var out decodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("candid: parse decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("candid: %s", out.Error)
	}
	return out.Value, nil
}

// HexPreview is the fallback decoder used when no decode service is
// configured: it never fails and renders the raw bytes for display.
type HexPreview struct{}

func (HexPreview) DecodeArgs(_ context.Context, _, _ string, raw []byte) (any, error) {
	return preview(raw), nil
}

func (HexPreview) DecodeResult(_ context.Context, _, _ string, raw []byte) (any, error) {
	return preview(raw), nil
}

func preview(raw []byte) any {
	const maxPreview = 256
	shown := raw
	truncated := false
	if len(shown) > maxPreview {
		shown = shown[:maxPreview]
		truncated = true
	}
	return map[string]any{
		"hex":       hex.EncodeToString(shown),
		"size":      len(raw),
		"truncated": truncated,
	}
}
