package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newFakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session/login", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeTestJSON(w, http.StatusOK, map[string]any{"token": "tok-" + body.Name, "userId": "usr_1", "expiresAt": "2026-10-18T12:00:00Z"})
	})
	mux.HandleFunc("/api/documents/doc_1/versions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			writeTestJSON(w, http.StatusUnauthorized, map[string]any{"code": "UNAUTHORIZED", "error": "missing token"})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"versions": []map[string]any{
			{"version": 1, "author": "usr_1", "content": "graph TD", "createdAt": "2026-10-18T10:00:00Z"},
			{"version": 2, "author": "usr_2", "content": "graph TD\nA-->B", "createdAt": "2026-10-18T10:05:00Z"},
		}})
	})
	mux.HandleFunc("/api/documents/doc_1/diff", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("from") != "1" || r.URL.Query().Get("to") != "2" {
			writeTestJSON(w, http.StatusUnprocessableEntity, map[string]any{"code": "VALIDATION_ERROR", "error": "bad range"})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"diff": " graph TD\n+A-->B\n", "source": "ledger"})
	})
	mux.HandleFunc("/api/documents/doc_1/lock/takeover", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{
			"lock":           map[string]any{"holder": "usr_1", "leaseExpiry": "2026-10-18T10:02:00Z"},
			"previousHolder": "usr_2",
		})
	})
	mux.HandleFunc("/api/documents/doc_busy/lock/takeover", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusForbidden, map[string]any{"code": "FORBIDDEN", "error": "admin access required"})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func writeTestJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("STUDIO_URL", "")
	t.Setenv("STUDIO_TOKEN", "")
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestCommands(t *testing.T) {
	server := newFakeAPI(t)

	tests := []struct {
		name    string
		args    []string
		want    []string
		wantErr string
	}{
		{
			name: "login prints token",
			args: []string{"login", "avery"},
			want: []string{"tok-avery"},
		},
		{
			name: "versions",
			args: []string{"versions", "doc_1", "--token", "secret"},
			want: []string{"v1\t2026-10-18 10:00:00\tusr_1\t8 bytes", "v2\t2026-10-18 10:05:00\tusr_2\t14 bytes"},
		},
		{
			name:    "versions without token",
			args:    []string{"versions", "doc_1"},
			wantErr: "UNAUTHORIZED: missing token",
		},
		{
			name: "diff",
			args: []string{"diff", "doc_1", "1", "2"},
			want: []string{"+A-->B"},
		},
		{
			name:    "diff with bad version",
			args:    []string{"diff", "doc_1", "one", "2"},
			wantErr: `invalid from version "one"`,
		},
		{
			name: "takeover",
			args: []string{"takeover", "doc_1"},
			want: []string{"evicted usr_2", "session held by usr_1 until 2026-10-18T10:02:00Z"},
		},
		{
			name:    "takeover forbidden",
			args:    []string{"takeover", "doc_busy"},
			wantErr: "FORBIDDEN",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, append(tt.args, "--url", server.URL)...)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Fatalf("output %q does not contain %q", out, want)
				}
			}
		})
	}
}

func TestAPIErrorStatus(t *testing.T) {
	server := newFakeAPI(t)
	_, err := run(t, "versions", "doc_1", "--url", server.URL)
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", apiErr.Status)
	}
}

func TestConfigFile(t *testing.T) {
	server := newFakeAPI(t)
	path := filepath.Join(t.TempDir(), "studioctl.yaml")
	content := "url: " + server.URL + "\ntoken: secret\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := run(t, "versions", "doc_1", "--config", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "v2") {
		t.Fatalf("expected versions from config-file server, got %q", out)
	}

	if _, err := run(t, "versions", "doc_1", "--config", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing explicit config file")
	}
}
