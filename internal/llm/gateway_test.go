package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestGateway(t *testing.T, baseURL string, timeout time.Duration) *Gateway {
	t.Helper()
	g, err := NewGateway(Config{
		Endpoints: map[string]Endpoint{
			"local": {BaseURL: baseURL, Model: "qwen2.5:latest", NumPredict: 180, NumCtx: 1024, Temperature: 0.4},
		},
		Default:       "local",
		StreamTimeout: timeout,
	}, nil)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return g
}

// ndjsonServer streams the given raw chunks with a flush between each, so
// the client sees the exact byte boundaries we choose.
func ndjsonServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprint(w, c)
			flusher.Flush()
		}
	}))
}

func TestStreamChatAccumulates(t *testing.T) {
	srv := ndjsonServer(t, []string{
		"{\"message\":{\"content\":\"Hola\"},\"done\":false}\n",
		"{\"message\":{\"content\":\", piensa\"},\"done\":false}\n",
		"{\"message\":{\"content\":\" en R1.\"},\"done\":false}\n",
		"{\"message\":{\"content\":\"\"},\"done\":true}\n",
	})
	defer srv.Close()

	g := newTestGateway(t, srv.URL, time.Second)
	var deltas []string
	text, err := g.StreamChat(context.Background(), "", []Message{{Role: RoleUser, Content: "hola"}}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if want := "Hola, piensa en R1."; text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
	if len(deltas) != 3 {
		t.Errorf("got %d deltas %v, want 3", len(deltas), deltas)
	}
}

func TestStreamChatSplitMidRecord(t *testing.T) {
	srv := ndjsonServer(t, []string{
		"{\"message\":{\"cont",
		"ent\":\"parte\"},\"done\":false}\n{\"mess",
		"age\":{\"content\":\" dos\"},\"done\":false}\n",
		"{\"done\":true}\n",
	})
	defer srv.Close()

	g := newTestGateway(t, srv.URL, time.Second)
	text, err := g.StreamChat(context.Background(), "local", nil, nil)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if want := "parte dos"; text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
}

func TestStreamChatDropsMalformedLines(t *testing.T) {
	srv := ndjsonServer(t, []string{
		"{\"message\":{\"content\":\"ok\"},\"done\":false}\n",
		"not json at all\n",
		"{\"done\":true}\n",
	})
	defer srv.Close()

	g := newTestGateway(t, srv.URL, time.Second)
	text, err := g.StreamChat(context.Background(), "", nil, nil)
	if err != nil {
		t.Fatalf("malformed line should not be fatal: %v", err)
	}
	if text != "ok" {
		t.Errorf("text = %q, want %q", text, "ok")
	}
}

func TestStreamChatEndsWithoutDone(t *testing.T) {
	srv := ndjsonServer(t, []string{
		"{\"message\":{\"content\":\"trunc\"},\"done\":false}\n",
	})
	defer srv.Close()

	g := newTestGateway(t, srv.URL, time.Second)
	text, err := g.StreamChat(context.Background(), "", nil, nil)
	if !errors.Is(err, ErrUpstreamProtocol) {
		t.Fatalf("err = %v, want ErrUpstreamProtocol", err)
	}
	if text != "trunc" {
		t.Errorf("partial text = %q, want %q", text, "trunc")
	}
}

func TestStreamChatFullyUnparseableBody(t *testing.T) {
	srv := ndjsonServer(t, []string{
		"<html>502 Bad Gateway</html>\n",
		"not a model reply\n",
	})
	defer srv.Close()

	g := newTestGateway(t, srv.URL, time.Second)
	text, err := g.StreamChat(context.Background(), "", nil, nil)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
	if text != "" {
		t.Errorf("text = %q, want empty", text)
	}
}

func TestStreamChatCeilingTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "{\"message\":{\"content\":\"lento\"},\"done\":false}\n")
		flusher.Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, 100*time.Millisecond)
	text, err := g.StreamChat(context.Background(), "", nil, nil)
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("err = %v, want ErrUpstreamTimeout", err)
	}
	if text != "lento" {
		t.Errorf("partial text = %q, want %q", text, "lento")
	}
}

func TestStreamChatCallerCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "{\"message\":{\"content\":\"antes\"},\"done\":false}\n")
		flusher.Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	g := newTestGateway(t, srv.URL, time.Minute)
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	text, err := g.StreamChat(ctx, "", nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if text != "antes" {
		t.Errorf("partial text = %q, want %q", text, "antes")
	}
}

func TestStreamChatOnDeltaAbort(t *testing.T) {
	srv := ndjsonServer(t, []string{
		"{\"message\":{\"content\":\"uno\"},\"done\":false}\n",
		"{\"message\":{\"content\":\"dos\"},\"done\":false}\n",
		"{\"done\":true}\n",
	})
	defer srv.Close()

	sinkErr := errors.New("client gone")
	g := newTestGateway(t, srv.URL, time.Second)
	text, err := g.StreamChat(context.Background(), "", nil, func(string) error {
		return sinkErr
	})
	if !errors.Is(err, sinkErr) {
		t.Fatalf("err = %v, want sink error", err)
	}
	if text != "uno" {
		t.Errorf("text = %q, want %q", text, "uno")
	}
}

func TestStreamChatUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	g := newTestGateway(t, srv.URL, time.Second)
	_, err := g.StreamChat(context.Background(), "", nil, nil)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestStreamChatBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, time.Second)
	_, err := g.StreamChat(context.Background(), "", nil, nil)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestWarmup(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, "{\"message\":{\"content\":\"hola\"},\"done\":true}")
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, time.Second)
	if err := g.Warmup(context.Background(), ""); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	if got.Stream {
		t.Error("warmup must not stream")
	}
	if got.Options.NumPredict != 1 {
		t.Errorf("num_predict = %d, want 1", got.Options.NumPredict)
	}
	if got.Model == "" || len(got.Messages) == 0 {
		t.Errorf("warmup request = %+v", got)
	}

	if err := g.Warmup(context.Background(), "staging"); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("err = %v, want ErrUnknownTarget", err)
	}

	srv.Close()
	if err := g.Warmup(context.Background(), ""); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("err = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestResolveTargets(t *testing.T) {
	g, err := NewGateway(Config{
		Endpoints: map[string]Endpoint{
			"local":  {BaseURL: "http://127.0.0.1:11434", Model: "qwen2.5:latest"},
			"remote": {BaseURL: "https://ollama.example.org", Model: "qwen2.5:32b"},
		},
		Default: "local",
	}, nil)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	ep, err := g.Resolve("")
	if err != nil || ep.Model != "qwen2.5:latest" {
		t.Errorf("empty target should resolve default, got %+v, %v", ep, err)
	}
	ep, err = g.Resolve("remote")
	if err != nil || !strings.Contains(ep.BaseURL, "example.org") {
		t.Errorf("named target not resolved: %+v, %v", ep, err)
	}
	if _, err := g.Resolve("staging"); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("unknown target should fail, got %v", err)
	}
}

func TestNewGatewayRejectsBadConfig(t *testing.T) {
	if _, err := NewGateway(Config{}, nil); err == nil {
		t.Error("empty config should be rejected")
	}
	_, err := NewGateway(Config{
		Endpoints: map[string]Endpoint{"local": {}},
		Default:   "remote",
	}, nil)
	if err == nil {
		t.Error("default naming a missing endpoint should be rejected")
	}
}
