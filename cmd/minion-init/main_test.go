//go:build linux

package main

import (
	"strings"
	"testing"

	"invoker/internal/minion"
)

func TestDecodeRequest(t *testing.T) {
	req, err := decodeRequest(strings.NewReader(`{"path":"/bin/true","argv":["true"],"workDir":"/tmp","cpuTimeSeconds":1,"denyNetwork":true}`))
	if err != nil {
		t.Fatalf("decodeRequest: %v", err)
	}
	if req.Path != "/bin/true" || req.CPUTimeSeconds != 1 || !req.DenyNetwork {
		t.Fatalf("unexpected request %+v", req)
	}
	if _, err := decodeRequest(strings.NewReader("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     minion.HelperRequest
		wantErr bool
	}{
		{name: "ok", req: minion.HelperRequest{Path: "/bin/true", Argv: []string{"true"}, WorkDir: "/tmp"}},
		{name: "no command", req: minion.HelperRequest{WorkDir: "/tmp"}, wantErr: true},
		{name: "no workdir", req: minion.HelperRequest{Path: "/bin/true", Argv: []string{"true"}}, wantErr: true},
		{
			name: "mounts without namespaces",
			req: minion.HelperRequest{
				Path: "/bin/true", Argv: []string{"true"}, WorkDir: "/tmp",
				Mounts: []minion.PathExpositionOptions{{Src: "/usr", Dest: "/usr"}},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateRequest(tt.req); (err != nil) != tt.wantErr {
				t.Fatalf("validateRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
