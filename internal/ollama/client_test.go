package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// tagsJSON builds a /api/tags response with the given model names.
func tagsJSON(names ...string) []byte {
	r := tagsResponse{}
	for _, n := range names {
		r.Models = append(r.Models, modelEntry{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestIsRunning_Up(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("nomic-embed-text:latest"))
	}))
	defer srv.Close()

	if !New(srv.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
}

func TestIsRunning_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	if New(srv.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() = true, want false")
	}
}

func TestHasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.2:latest", "nomic-embed-text:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	if c.BaseURL() != srv.URL {
		t.Errorf("BaseURL() = %q, want trailing slash trimmed", c.BaseURL())
	}
	if !c.HasModel(context.Background(), "nomic-embed-text") {
		t.Error("HasModel(nomic-embed-text) = false, want true")
	}
	if c.HasModel(context.Background(), "phi3.5") {
		t.Error("HasModel(phi3.5) = true, want false")
	}
}

func TestChat(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: "A short summary."}})
	}))
	defer srv.Close()

	result, err := New(srv.URL).Chat(context.Background(), "llama3.2", []Message{{Role: "user", Content: "Summarise"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result != "A short summary." {
		t.Errorf("result = %q", result)
	}
	if got.Stream {
		t.Error("chat must request a non-streaming response")
	}
	if got.Model != "llama3.2" || len(got.Messages) != 1 {
		t.Errorf("unexpected request %+v", got)
	}
}

func TestEmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := embedResponse{}
		for i := range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{float32(i), 0.5})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	vecs, err := New(srv.URL).Embed(context.Background(), "nomic-embed-text", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	if vecs[2][0] != 2 {
		t.Errorf("vecs[2][0] = %v, want 2", vecs[2][0])
	}

	none, err := New(srv.URL).Embed(context.Background(), "m", nil)
	if err != nil || none != nil {
		t.Errorf("empty input: got %v, %v", none, err)
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1}}})
	}))
	defer srv.Close()

	if _, err := New(srv.URL).Embed(context.Background(), "m", []string{"a", "b"}); err == nil {
		t.Fatal("expected error for mismatched embedding count")
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		code      int
		temporary bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusNotFound, false},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model busy", tt.code)
		}))

		_, err := New(srv.URL).Chat(context.Background(), "m", nil)
		srv.Close()

		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("status %d: error %v is not a *StatusError", tt.code, err)
		}
		if se.StatusCode != tt.code || se.Temporary() != tt.temporary {
			t.Errorf("status %d: got code %d temporary %v", tt.code, se.StatusCode, se.Temporary())
		}
		if !strings.Contains(se.Error(), "model busy") {
			t.Errorf("error %q should include the response body", se.Error())
		}
	}
}

func TestPullModel_Progress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["name"] != "nomic-embed-text" {
			t.Errorf("pull model = %v", req["name"])
		}
		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 500})
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 1000})
		enc.Encode(PullProgress{Status: "success"})
	}))
	defer srv.Close()

	var n int
	err := New(srv.URL).PullModel(context.Background(), "nomic-embed-text", func(p PullProgress) { n++ })
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	if n != 3 {
		t.Errorf("received %d progress updates, want 3", n)
	}
}

func TestEnsureReady_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := EnsureReady(context.Background(), New(srv.URL), []string{"nomic-embed-text"}, io.Discard)
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestEnsureReady_PullsMissing(t *testing.T) {
	var pulled []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write(tagsJSON("llama3.2:latest"))
		case "/api/pull":
			var req map[string]any
			json.NewDecoder(r.Body).Decode(&req)
			pulled = append(pulled, req["name"].(string))
			json.NewEncoder(w).Encode(PullProgress{Status: "success"})
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := EnsureReady(context.Background(), New(srv.URL), []string{"llama3.2", "nomic-embed-text", "", "nomic-embed-text"}, &out)
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(pulled) != 1 || pulled[0] != "nomic-embed-text" {
		t.Errorf("pulled = %v, want only the missing model", pulled)
	}
	if !strings.Contains(out.String(), "model llama3.2: ready") {
		t.Errorf("output = %q", out.String())
	}
}
