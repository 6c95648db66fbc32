package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/corvohq/replbench/internal/raft"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/http2"
)

type fakeNode struct {
	mu       sync.Mutex
	leader   bool
	records  int64
	voters   map[string]string
	applyErr error
}

func (n *fakeNode) Status() raft.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	state := "Follower"
	if n.leader {
		state = "Leader"
	}
	return raft.Status{NodeID: "node-1", State: state, Leader: n.leader, RecordCount: n.records, AppliedIndex: uint64(n.records)}
}

func (n *fakeNode) ApplyBatch(ctx context.Context, docs [][]byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.applyErr != nil {
		return 0, n.applyErr
	}
	if !n.leader {
		return 0, raft.ErrNotLeader
	}
	n.records += int64(len(docs))
	return len(docs), nil
}

func (n *fakeNode) AddVoter(id, addr string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.leader {
		return raft.ErrNotLeader
	}
	if n.voters == nil {
		n.voters = map[string]string{}
	}
	n.voters[id] = addr
	return nil
}

func (n *fakeNode) LeaderID() string { return "node-2" }

func testServer(t *testing.T, opts Options) (*Server, *fakeNode) {
	t.Helper()
	node := &fakeNode{leader: true}
	return New(node, opts), node
}

func doRequest(srv *Server, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rr.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t, Options{})
	rr := doRequest(srv, "GET", "/healthz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestBatchAndStatus(t *testing.T) {
	srv, _ := testServer(t, Options{})
	rr := doRequest(srv, "POST", "/api/v1/records/batch", map[string]any{
		"documents": []any{map[string]string{"a": "x"}, map[string]string{"a": "y"}},
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("batch status = %d: %s", rr.Code, rr.Body.String())
	}
	var br BatchResponse
	decodeResponse(t, rr, &br)
	if br.Records != 2 {
		t.Fatalf("records = %d, want 2", br.Records)
	}

	rr = doRequest(srv, "GET", "/api/v1/node/status", nil, nil)
	var st raft.Status
	decodeResponse(t, rr, &st)
	if st.RecordCount != 2 || !st.Leader {
		t.Fatalf("status = %+v", st)
	}
}

func TestBatchErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		leader   bool
		applyErr error
		want     int
		code     string
	}{
		{"empty batch", map[string]any{"documents": []any{}}, true, nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"not json", "nope", true, nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"follower", map[string]any{"documents": []any{1}}, false, nil, http.StatusConflict, "NOT_LEADER"},
		{"stopped", map[string]any{"documents": []any{1}}, true, raft.ErrNodeStopped, http.StatusServiceUnavailable, "STOPPED"},
		{"store failure", map[string]any{"documents": []any{1}}, true, errors.New("disk full"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, node := testServer(t, Options{})
			node.leader = tt.leader
			node.applyErr = tt.applyErr
			rr := doRequest(srv, "POST", "/api/v1/records/batch", tt.body, nil)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.want, rr.Body.String())
			}
			var body map[string]string
			decodeResponse(t, rr, &body)
			if body["code"] != tt.code {
				t.Fatalf("code = %q, want %q", body["code"], tt.code)
			}
		})
	}
}

func TestJoin(t *testing.T) {
	srv, node := testServer(t, Options{})
	rr := doRequest(srv, "POST", "/api/v1/cluster/join", raft.JoinRequest{NodeID: "node-2", Addr: "127.0.0.1:9001"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("join status = %d: %s", rr.Code, rr.Body.String())
	}
	if node.voters["node-2"] != "127.0.0.1:9001" {
		t.Fatalf("voters = %v", node.voters)
	}
	rr = doRequest(srv, "POST", "/api/v1/cluster/join", raft.JoinRequest{NodeID: "node-3"}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("join without addr: status = %d", rr.Code)
	}
}

func signed(t *testing.T, secret string, exp time.Time, method jwt.SigningMethod) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: "tester", ExpiresAt: jwt.NewNumericDate(exp)}
	tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestJWTAuth(t *testing.T) {
	srv, _ := testServer(t, Options{JWTSecret: "s3cret"})
	future := time.Now().Add(time.Minute)
	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong secret", signed(t, "other", future, jwt.SigningMethodHS256), http.StatusUnauthorized},
		{"expired", signed(t, "s3cret", time.Now().Add(-time.Hour), jwt.SigningMethodHS256), http.StatusUnauthorized},
		{"wrong alg", signed(t, "s3cret", future, jwt.SigningMethodHS512), http.StatusUnauthorized},
		{"valid", signed(t, "s3cret", future, jwt.SigningMethodHS256), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.token != "" {
				h.Set("Authorization", "Bearer "+tt.token)
			}
			rr := doRequest(srv, "GET", "/api/v1/node/status", nil, h)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}

	if rr := doRequest(srv, "GET", "/healthz", nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz should not require auth, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := testServer(t, Options{})
	doRequest(srv, "POST", "/api/v1/records/batch", map[string]any{"documents": []any{1, 2, 3}}, nil)
	rr := doRequest(srv, "GET", "/metrics", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"replbench_node_records 3",
		"replbench_node_is_leader 1",
		"replbench_records_written_total 3",
		`replbench_http_requests_total{method="POST",route="/api/v1/records/batch",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestH2CServesHTTP2(t *testing.T) {
	srv, _ := testServer(t, Options{H2C: true})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := newH2CClient()
	res, err := client.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("h2c request: %v", err)
	}
	defer res.Body.Close()
	if res.ProtoMajor != 2 {
		t.Fatalf("proto = %s, want HTTP/2", res.Proto)
	}
}

func newH2CClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}
