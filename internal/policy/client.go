package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// Client is the remote policy service. Both calls are single-shot
// request/response; the caller bounds them with ctx.
type Client interface {
	// IsFileRestricted reports whether opening the file is disallowed.
	IsFileRestricted(ctx context.Context, file FileMetadata) (bool, error)

	// IsTransferRestricted returns a verdict per file for the destination.
	IsTransferRestricted(ctx context.Context, req TransferRequest) (TransferResponse, error)
}

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// HTTPClient talks JSON to the policy service over HTTP. Decoding failures
// are reported as ErrMalformedResponse; everything else (dial, status,
// timeout) is a plain transport error.
type HTTPClient struct {
	endpoint string
	http     *http.Client
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithUnixSocket routes every request over the unix socket at path, keeping
// the endpoint only for its URL path and Host header.
func WithUnixSocket(path string) ClientOption {
	return func(c *HTTPClient) {
		c.http = &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", path)
				},
			},
		}
	}
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.http = hc
	}
}

// NewHTTPClient creates a client for the service rooted at endpoint
// (e.g. "http://policy.local").
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type fileRestrictedResponse struct {
	Restricted *bool `json:"restricted"`
}

// IsFileRestricted implements Client.
func (c *HTTPClient) IsFileRestricted(ctx context.Context, file FileMetadata) (bool, error) {
	var resp fileRestrictedResponse
	if err := c.post(ctx, "/v1/file-restricted", file, &resp); err != nil {
		return false, fmt.Errorf("is file restricted: %w", err)
	}
	if resp.Restricted == nil {
		return false, fmt.Errorf("is file restricted: %w: missing restricted field", ErrMalformedResponse)
	}
	return *resp.Restricted, nil
}

// IsTransferRestricted implements Client.
func (c *HTTPClient) IsTransferRestricted(ctx context.Context, req TransferRequest) (TransferResponse, error) {
	var resp TransferResponse
	if err := c.post(ctx, "/v1/transfer-restricted", req, &resp); err != nil {
		return TransferResponse{}, fmt.Errorf("is transfer restricted: %w", err)
	}
	if err := validateTransferResponse(req, resp); err != nil {
		return TransferResponse{}, fmt.Errorf("is transfer restricted: %w", err)
	}
	return resp, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("policy service returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// validateTransferResponse rejects verdicts for files that were never asked
// about; caching those would poison unrelated keys.
func validateTransferResponse(req TransferRequest, resp TransferResponse) error {
	asked := make(map[[2]int64]struct{}, len(req.Files))
	for _, f := range req.Files {
		asked[[2]int64{int64(f.Inode), f.Crtime}] = struct{}{}
	}
	for _, r := range resp.Restrictions {
		if _, ok := asked[[2]int64{int64(r.File.Inode), r.File.Crtime}]; !ok {
			return fmt.Errorf("%w: verdict for unrequested inode %d", ErrMalformedResponse, r.File.Inode)
		}
	}
	return nil
}
