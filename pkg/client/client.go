package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Entry is one hash-chained ledger entry as returned by the custody API.
type Entry struct {
	Timestamp float64 `json:"timestamp"`
	Payload   any     `json:"payload"`
	PrevHash  *string `json:"prev_hash"`
	SelfHash  string  `json:"self_hash"`
}

// Overview holds the chain length and current root hash.
type Overview struct {
	Entries int    `json:"entries"`
	Root    string `json:"root"`
}

// AuditResult is the verdict of a full chain audit.
type AuditResult struct {
	Valid        bool   `json:"valid"`
	Entries      int    `json:"entries"`
	Root         string `json:"root,omitempty"`
	FirstInvalid *int   `json:"first_invalid,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ExportRequest selects where a snapshot lands and which key signs it.
// All fields are optional: the zero value exports to the server's snapshot
// directory under an ephemeral key.
type ExportRequest struct {
	OutputPath string `json:"output_path,omitempty"`
	KeyName    string `json:"key_name,omitempty"`
	KeyHex     string `json:"key_hex,omitempty"`
}

// ExportResult describes a completed snapshot export on the server.
type ExportResult struct {
	SnapshotPath  string `json:"snapshot_path"`
	SignaturePath string `json:"signature_path"`
	PubHex        string `json:"pub_hex"`
	Entries       int    `json:"entries"`
}

// SnapshotVerdict is the server's answer to a snapshot verification.
type SnapshotVerdict struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Status summarizes the custody subsystems on the server.
type Status struct {
	LedgerPath string  `json:"ledger_path"`
	Entries    int     `json:"entries"`
	Root       string  `json:"root,omitempty"`
	ChainValid bool    `json:"chain_valid"`
	Keys       int     `json:"keys"`
	Archive    bool    `json:"archive"`
	Webhooks   bool    `json:"webhooks"`
	CheckedAt  float64 `json:"checked_at"`
}

// Client talks to a chainlogd custody API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client, overriding any TLS options.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a pre-issued token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithTimeout overrides the default 10 second request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a self-signed endpoint.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: c.httpClient.Timeout,
		}
		return nil
	}
}

// New creates a new Client connected to baseURL.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithBearerToken(token),
//	)
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Append records payload as the next chain entry and returns it.
func (c *Client) Append(ctx context.Context, payload any) (*Entry, error) {
	body, err := c.post(ctx, "/api/v1/entries", payload)
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &entry, nil
}

// Entries returns a page of entries in chain order plus the total chain
// length. limit <= 0 uses the server default.
func (c *Client) Entries(ctx context.Context, limit, offset int) ([]Entry, int, error) {
	url := c.baseURL + "/api/v1/entries?offset=" + strconv.Itoa(offset)
	if limit > 0 {
		url += "&limit=" + strconv.Itoa(limit)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, 0, err
	}

	var wrapper struct {
		Entries []Entry `json:"entries"`
		Total   int     `json:"total"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, 0, fmt.Errorf("decode entries: %w", err)
	}
	return wrapper.Entries, wrapper.Total, nil
}

// Entry returns the entry at a zero-based chain index.
func (c *Client) Entry(ctx context.Context, idx int) (*Entry, error) {
	body, err := c.get(ctx, "/api/v1/entries/"+strconv.Itoa(idx))
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &entry, nil
}

// Overview returns the chain length and current root hash.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	body, err := c.get(ctx, "/api/v1/ledger")
	if err != nil {
		return nil, err
	}

	var ov Overview
	if err := json.Unmarshal(body, &ov); err != nil {
		return nil, fmt.Errorf("decode overview: %w", err)
	}
	return &ov, nil
}

// Verify asks the server for a full chain audit. A tampered chain is a
// normal result, not an error.
func (c *Client) Verify(ctx context.Context) (*AuditResult, error) {
	body, err := c.get(ctx, "/api/v1/ledger/verify")
	if err != nil {
		return nil, err
	}

	var result AuditResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode audit result: %w", err)
	}
	return &result, nil
}

// Export writes a signed snapshot on the server.
func (c *Client) Export(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	body, err := c.post(ctx, "/api/v1/snapshots", req)
	if err != nil {
		return nil, err
	}

	var result ExportResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode export result: %w", err)
	}
	return &result, nil
}

// VerifySnapshot asks the server to check a snapshot file on its
// filesystem against its detached signature.
func (c *Client) VerifySnapshot(ctx context.Context, snapshotPath, signaturePath string) (*SnapshotVerdict, error) {
	body, err := c.post(ctx, "/api/v1/snapshots/verify", map[string]string{
		"snapshot_path":  snapshotPath,
		"signature_path": signaturePath,
	})
	if err != nil {
		return nil, err
	}

	var verdict SnapshotVerdict
	if err := json.Unmarshal(body, &verdict); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	return &verdict, nil
}

// Status returns the server's custody status summary.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	body, err := c.get(ctx, "/api/v1/custody/status")
	if err != nil {
		return nil, err
	}

	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

// do executes an HTTP request, attaching the Bearer token if present.
func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("not found: %s", req.URL.Path)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("unauthorized: %s", string(body))
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
