// Package client talks to replbench nodes over HTTP.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/http2"
)

const (
	tokenTTL     = 5 * time.Minute
	tokenRefresh = time.Minute
	tokenSubject = "replbench"
)

// ErrTransport marks a request that never got an HTTP response.
var ErrTransport = errors.New("transport failure")

// APIError is a non-2xx response from a node.
type APIError struct {
	Status   int
	Code     string
	Message  string
	LeaderID string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (HTTP %d, %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// NotLeader reports whether the node rejected a write because it is not the
// raft leader.
func (e *APIError) NotLeader() bool {
	return e.Code == "NOT_LEADER"
}

// NodeStatus mirrors a node's status document.
type NodeStatus struct {
	NodeID       string `json:"node_id"`
	RaftAddr     string `json:"raft_addr"`
	State        string `json:"state"`
	Leader       bool   `json:"leader"`
	LeaderID     string `json:"leader_id"`
	LeaderAddr   string `json:"leader_addr"`
	RecordCount  int64  `json:"record_count"`
	StoredCount  int64  `json:"stored_count"`
	BytesApplied int64  `json:"bytes_applied"`
	AppliedIndex uint64 `json:"applied_index"`
	CommitIndex  string `json:"commit_index"`
	LastContact  string `json:"last_contact"`
	RecordStore  string `json:"record_store"`
	LogStore     string `json:"log_store"`
}

// Client is a thin HTTP wrapper for one node's API.
type Client struct {
	URL        string
	HTTPClient *http.Client

	secret  []byte
	tokenMu sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithJWTSecret signs every API request with an HS256 bearer token.
func WithJWTSecret(secret string) Option {
	return func(c *Client) { c.secret = []byte(secret) }
}

// WithH2C speaks HTTP/2 over cleartext TCP.
func WithH2C() Option {
	return func(c *Client) { c.HTTPClient = h2cHTTPClient(c.HTTPClient.Timeout) }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// New creates a client for the node serving at url.
func New(url string, opts ...Option) *Client {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	c := &Client{
		URL:        strings.TrimRight(url, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func h2cHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     10 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// Status fetches the node's role and progress.
func (c *Client) Status(ctx context.Context) (*NodeStatus, error) {
	var st NodeStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/node/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// WriteBatch sends pre-encoded JSON documents as one batch and returns the
// number of records the node applied.
func (c *Client) WriteBatch(ctx context.Context, docs [][]byte) (int, error) {
	var res struct {
		Records int `json:"records"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/records/batch", encodeBatchBody(docs), &res); err != nil {
		return 0, err
	}
	return res.Records, nil
}

// Join asks this node, which must be leader, to add a voter.
func (c *Client) Join(ctx context.Context, nodeID, raftAddr string) error {
	body, _ := json.Marshal(map[string]string{"node_id": nodeID, "addr": raftAddr})
	return c.do(ctx, http.MethodPost, "/api/v1/cluster/join", body, nil)
}

// encodeBatchBody frames already-encoded documents without re-marshalling
// them.
func encodeBatchBody(docs [][]byte) []byte {
	size := len(`{"documents":[]}`) + len(docs)
	for _, d := range docs {
		size += len(d)
	}
	var b bytes.Buffer
	b.Grow(size)
	b.WriteString(`{"documents":[`)
	for i, d := range docs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.Write(d)
	}
	b.WriteString(`]}`)
	return b.Bytes()
}

func (c *Client) bearer() (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	now := c.now()
	if c.token != "" && now.Add(tokenRefresh).Before(c.expires) {
		return c.token, nil
	}
	exp := now.Add(tokenTTL)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   tokenSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	c.token, c.expires = tok, exp
	return tok, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, result any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(c.secret) > 0 {
		tok, err := c.bearer()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w: %w", method, path, ErrTransport, err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error    string `json:"error"`
			Code     string `json:"code"`
			LeaderID string `json:"leader_id"`
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Error, LeaderID: apiErr.LeaderID}
	}
	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
