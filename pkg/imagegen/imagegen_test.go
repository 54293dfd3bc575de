package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBackend(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerateReturnsURL(t *testing.T) {
	t.Parallel()
	var got generationRequest
	var auth string
	srv := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			t.Errorf("path = %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"url":"https://cdn.example/img.png"}]}`))
	})

	c := New(Config{BaseURL: srv.URL + "/", APIKey: "sk-test", Model: "gpt-image-1", Timeout: 5 * time.Second}, testLogger())
	url, err := c.Generate(context.Background(), "  a red fox  ")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if url != "https://cdn.example/img.png" {
		t.Errorf("url = %q", url)
	}
	if got.Prompt != "a red fox" || got.N != 1 || got.Size != "1024x1024" || got.Model != "gpt-image-1" {
		t.Errorf("request = %+v", got)
	}
	if auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestGenerateSavesB64(t *testing.T) {
	t.Parallel()
	srv := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(pngHeader)}},
		})
	})

	dir := t.TempDir()
	c := New(Config{BaseURL: srv.URL, Dir: dir, PublicURL: "https://relay.example/"}, testLogger())

	url, err := c.Generate(context.Background(), "a cat")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if !strings.HasPrefix(url, "https://relay.example/img/") || !strings.HasSuffix(url, ".png") {
		t.Fatalf("url = %q", url)
	}
	name := strings.TrimPrefix(url, "https://relay.example/img/")
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading saved image: %v", err)
	}
	if !bytes.Equal(data, pngHeader) {
		t.Errorf("saved %d bytes, want the decoded payload", len(data))
	}
}

func TestGenerateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"message field", http.StatusBadRequest, `{"message":"prompt rejected"}`, "prompt rejected"},
		{"error string", http.StatusInternalServerError, `{"error":"model offline"}`, "model offline"},
		{"nested error", http.StatusBadRequest, `{"error":{"message":"bad size"}}`, "bad size"},
		{"not json", http.StatusBadGateway, `upstream down`, "502"},
		{"empty data", http.StatusOK, `{"data":[]}`, "no data"},
		{"neither field", http.StatusOK, `{"data":[{}]}`, "neither url nor b64_json"},
		{"bad b64", http.StatusOK, `{"data":[{"b64_json":"%%%"}]}`, "decoding b64_json"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			c := New(Config{BaseURL: srv.URL, Dir: t.TempDir()}, testLogger())

			_, err := c.Generate(context.Background(), "x")
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateEmptyPrompt(t *testing.T) {
	t.Parallel()
	c := New(Config{BaseURL: "http://unused"}, testLogger())
	if _, err := c.Generate(context.Background(), "   "); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("err = %v, want ErrEmptyPrompt", err)
	}
}

func TestGenerateNotConfigured(t *testing.T) {
	t.Parallel()
	c := New(Config{}, testLogger())
	if c.Configured() {
		t.Error("client without a base URL should not be configured")
	}
	if _, err := c.Generate(context.Background(), "x"); err == nil {
		t.Error("expected an error without a backend")
	}
}

func TestGenerateRespectsContext(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	c := New(Config{BaseURL: srv.URL}, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := c.Generate(ctx, "slow"); err == nil {
		t.Error("expected an error when the context expires")
	}
}
