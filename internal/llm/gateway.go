// Package llm talks to Ollama-compatible model servers. The Gateway streams
// tutoring completions over Ollama's native newline-delimited JSON chat API;
// the Classifier runs the non-streaming misconception analysis through the
// OpenAI-compatible endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Endpoint describes one named upstream model server.
type Endpoint struct {
	BaseURL     string
	Model       string
	NumPredict  int
	NumCtx      int
	Temperature float64
	KeepAlive   string
}

// Config enumerates the upstream targets the Gateway may talk to. Targets
// are resolved by name; an unknown name is an error, never a fallback.
type Config struct {
	Endpoints map[string]Endpoint
	Default   string
	// StreamTimeout is the ceiling on total stream duration per call.
	StreamTimeout time.Duration
}

// Gateway brokers streamed chat completions against a configured endpoint.
type Gateway struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewGateway validates the endpoint configuration and returns a Gateway.
func NewGateway(cfg Config, logger *slog.Logger) (*Gateway, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("llm: no endpoints configured")
	}
	if _, ok := cfg.Endpoints[cfg.Default]; !ok {
		return nil, fmt.Errorf("llm: default endpoint %q not configured", cfg.Default)
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger,
	}, nil
}

// Warmup sends a one-token generation through the named endpoint so the
// model is loaded into memory before the first student turn, and stays
// loaded for the endpoint's keep-alive window.
func (g *Gateway) Warmup(ctx context.Context, target string) error {
	ep, err := g.Resolve(target)
	if err != nil {
		return err
	}
	body, err := json.Marshal(chatRequest{
		Model:     ep.Model,
		Messages:  []Message{{Role: RoleUser, Content: "hola"}},
		Stream:    false,
		KeepAlive: ep.KeepAlive,
		Options: chatOptions{
			NumPredict:  1,
			NumCtx:      ep.NumCtx,
			Temperature: ep.Temperature,
		},
	})
	if err != nil {
		return fmt.Errorf("marshal warmup request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(ep.BaseURL, "/")+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build warmup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	return nil
}

// Resolve maps a target name to its endpoint. The empty name selects the
// configured default.
func (g *Gateway) Resolve(target string) (Endpoint, error) {
	if target == "" {
		target = g.cfg.Default
	}
	ep, ok := g.cfg.Endpoints[target]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	return ep, nil
}

type chatRequest struct {
	Model     string      `json:"model"`
	Messages  []Message   `json:"messages"`
	Stream    bool        `json:"stream"`
	KeepAlive string      `json:"keep_alive,omitempty"`
	Options   chatOptions `json:"options"`
}

type chatOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
	Temperature float64 `json:"temperature"`
}

type chatStreamChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// StreamChat opens a streamed completion against the named target and calls
// onDelta for every incremental text piece, in order. It always returns the
// text accumulated so far, even on failure, so callers can persist partial
// output. Exactly one terminal outcome is produced per call:
//
//   - nil: the upstream signaled completion.
//   - ErrUpstreamTimeout: the stream ran past the configured ceiling.
//   - ErrUpstreamUnavailable: the server could not be reached, refused the
//     request, or produced not one parseable record.
//   - ErrUpstreamProtocol: a stream that carried real records ended without
//     a completion signal.
//   - ctx.Err(): the caller's context was canceled (client disconnect).
//   - an onDelta error, propagated as is, after aborting the upstream read.
func (g *Gateway) StreamChat(ctx context.Context, target string, msgs []Message, onDelta func(string) error) (string, error) {
	ep, err := g.Resolve(target)
	if err != nil {
		return "", err
	}

	streamCtx, cancel := context.WithTimeout(ctx, g.cfg.StreamTimeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:     ep.Model,
		Messages:  msgs,
		Stream:    true,
		KeepAlive: ep.KeepAlive,
		Options: chatOptions{
			NumPredict:  ep.NumPredict,
			NumCtx:      ep.NumCtx,
			Temperature: ep.Temperature,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, strings.TrimRight(ep.BaseURL, "/")+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		if terr := g.terminalErr(ctx, streamCtx); terr != nil {
			return "", terr
		}
		return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var text strings.Builder
	var f framer
	parsedAny := false
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, line := range f.feed(buf[:n]) {
				var chunk chatStreamChunk
				if err := json.Unmarshal(line, &chunk); err != nil {
					g.logger.Debug("dropping malformed stream line", "line", string(line))
					continue
				}
				parsedAny = true
				if chunk.Message.Content != "" {
					text.WriteString(chunk.Message.Content)
					if onDelta != nil {
						if err := onDelta(chunk.Message.Content); err != nil {
							return text.String(), err
						}
					}
				}
				if chunk.Done {
					return text.String(), nil
				}
			}
		}
		if readErr != nil {
			if terr := g.terminalErr(ctx, streamCtx); terr != nil {
				return text.String(), terr
			}
			// A body with not one parseable record means we never talked
			// to a model at all, as opposed to a stream truncated midway.
			if !parsedAny {
				return text.String(), fmt.Errorf("%w: no parseable stream records", ErrUpstreamUnavailable)
			}
			if readErr == io.EOF {
				return text.String(), fmt.Errorf("%w: stream ended without done flag", ErrUpstreamProtocol)
			}
			return text.String(), fmt.Errorf("%w: %v", ErrUpstreamProtocol, readErr)
		}
	}
}

// terminalErr distinguishes caller cancellation from the stream ceiling.
func (g *Gateway) terminalErr(ctx, streamCtx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if streamCtx.Err() == context.DeadlineExceeded {
		return ErrUpstreamTimeout
	}
	return nil
}
