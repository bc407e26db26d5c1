package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"invoker/internal/invoker/model"
	pkgerrors "invoker/pkg/errors"
	"invoker/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type handlerFunc func(ctx context.Context, req model.InvokeRequest) (model.InvokeResponse, error)

func (f handlerFunc) HandleInvokeRequest(ctx context.Context, req model.InvokeRequest) (model.InvokeResponse, error) {
	return f(ctx, req)
}

func TestParseListenAddress(t *testing.T) {
	tests := []struct {
		raw     string
		network string
		address string
		wantErr bool
	}{
		{raw: "tcp://127.0.0.1:8080", network: "tcp", address: "127.0.0.1:8080"},
		{raw: "tcp://localhost:0", network: "tcp", address: "localhost:0"},
		{raw: "tcp://[::1]:9000", network: "tcp", address: "[::1]:9000"},
		{raw: " unix:///run/invoker.sock ", network: "unix", address: "/run/invoker.sock"},
		{raw: "unix:///tmp/../run/a.sock", network: "unix", address: "/run/a.sock"},
		{raw: "127.0.0.1:8080", wantErr: true},
		{raw: "http://127.0.0.1:8080", wantErr: true},
		{raw: "tcp://127.0.0.1", wantErr: true},
		{raw: "tcp://:8080", wantErr: true},
		{raw: "tcp://127.0.0.1:8080/path", wantErr: true},
		{raw: "unix://relative.sock", wantErr: true},
		{raw: "unix://", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			addr, err := ParseListenAddress(tt.raw)
			if tt.wantErr {
				if !pkgerrors.Is(err, pkgerrors.InvalidListenAddress) {
					t.Fatalf("expected InvalidListenAddress, got %v (%+v)", err, addr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseListenAddress: %v", err)
			}
			if addr.Network != tt.network || addr.Address != tt.address {
				t.Fatalf("got %+v, want %s %s", addr, tt.network, tt.address)
			}
		})
	}
}

func TestReady(t *testing.T) {
	s := New(handlerFunc(nil), Config{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("ready = %d %q", rec.Code, rec.Body.String())
	}
}

func TestExecSuccess(t *testing.T) {
	var got model.InvokeRequest
	s := New(handlerFunc(func(_ context.Context, req model.InvokeRequest) (model.InvokeResponse, error) {
		got = req
		return model.InvokeResponse{ID: req.ID, Status: model.Built()}, nil
	}), Config{})

	body := `{"id":"r1","submission_id":4,"toolchain_id":"cpp","source":{"path":"/tmp/a.cpp"}}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/exec", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.SubmissionID != 4 || got.ToolchainID != "cpp" || got.Source.Path != "/tmp/a.cpp" {
		t.Fatalf("handler saw %+v", got)
	}
	var resp model.InvokeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "r1" || resp.Status != model.Built() {
		t.Fatalf("unexpected response %+v", resp)
	}
	if rec.Header().Get(response.ErrorIDHeader) != "" {
		t.Fatalf("success must not carry an error id")
	}
}

func TestExecFailureIsOpaque(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		handler handlerFunc
	}{
		{
			name: "handler error",
			body: `{"id":"r1"}`,
			handler: func(context.Context, model.InvokeRequest) (model.InvokeResponse, error) {
				return model.InvokeResponse{}, pkgerrors.New(pkgerrors.DatabaseError).WithMessage("password=hunter2")
			},
		},
		{
			name: "malformed body",
			body: `{"id":`,
			handler: func(context.Context, model.InvokeRequest) (model.InvokeResponse, error) {
				return model.InvokeResponse{}, errors.New("must not be called")
			},
		},
		{
			name: "handler panic",
			body: `{}`,
			handler: func(context.Context, model.InvokeRequest) (model.InvokeResponse, error) {
				panic("boom")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.handler, Config{})
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/exec", strings.NewReader(tt.body)))

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d", rec.Code)
			}
			if rec.Body.Len() != 0 {
				t.Fatalf("body must be empty, got %q", rec.Body.String())
			}
			if tt.name != "handler panic" {
				if _, err := uuid.Parse(rec.Header().Get(response.ErrorIDHeader)); err != nil {
					t.Fatalf("missing Error-UUID header: %v", err)
				}
			}
		})
	}
}

func TestServeUnixSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "inv")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "s.sock")

	// A socket left over from a crashed run must not block startup.
	stale, err := net.Listen("unix", sock)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = stale.Close()

	s := New(handlerFunc(nil), Config{ShutdownTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "unix://"+sock) }()

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", sock)
		},
	}}
	var resp *http.Response
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err = client.Get("http://invoker/ready")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /ready: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "OK" {
		t.Fatalf("ready body = %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Fatalf("socket file should be removed on shutdown")
	}
}

func TestListenRejectsNonSocketFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Listen(ListenAddress{Network: SchemeUnix, Address: path}); !pkgerrors.Is(err, pkgerrors.InvalidListenAddress) {
		t.Fatalf("expected InvalidListenAddress, got %v", err)
	}
}
