package llmdispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// httpTransport is the production Transport: plain HTTP against
// {base_url}/generate, /version, /models (spec.md §6). Adapted from the
// teacher's gRPC streaming-chunk-over-channel idiom (pkg/agent/llm_grpc.go
// GRPCLLMClient.Generate) to newline-delimited JSON over an HTTP response
// body, since spec.md calls for a plain HTTP backend protocol rather than
// gRPC.
type httpTransport struct {
	client *http.Client
}

// NewHTTPTransport builds the default production Transport.
func NewHTTPTransport() Transport {
	return &httpTransport{
		client: &http.Client{Timeout: 0}, // per-request timeout comes from ctx
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// streamLine is one newline-delimited JSON object from a streaming
// /generate response.
type streamLine struct {
	Text   string `json:"text"`
	Done   bool   `json:"done"`
	Tokens int    `json:"tokens"`
}

func (t *httpTransport) Generate(ctx context.Context, baseURL string, req RequestConfig, onChunk func(Event)) (string, int, error) {
	body, err := json.Marshal(generateRequest{Model: req.Model, Prompt: req.Prompt, Stream: req.Stream})
	if err != nil {
		return "", 0, fmt.Errorf("llmdispatch: encoding generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("llmdispatch: building generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", 0, &statusError{code: resp.StatusCode, body: string(respBody)}
	}

	if !req.Stream {
		return t.readNonStreaming(resp.Body)
	}
	return t.readStreaming(resp.Body, onChunk)
}

func (t *httpTransport) readNonStreaming(r io.Reader) (string, int, error) {
	var line streamLine
	if err := json.NewDecoder(r).Decode(&line); err != nil {
		return "", 0, fmt.Errorf("llmdispatch: decoding response: %w", err)
	}
	return line.Text, line.Tokens, nil
}

// readStreaming scans newline-delimited JSON chunks, emitting
// EventChunkReceived via onChunk for each and returning the concatenated
// text once a done:true chunk arrives. Per spec.md's ambiguity note on
// streaming termination, a backend that closes the stream without ever
// sending done:true is treated as if its last chunk had been terminal:
// EOF resolves the call successfully with whatever text accumulated.
func (t *httpTransport) readStreaming(r io.Reader, onChunk func(Event)) (string, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var text string
	var tokens int
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line streamLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return "", 0, fmt.Errorf("llmdispatch: decoding stream chunk: %w", err)
		}
		text += line.Text
		if line.Tokens > 0 {
			tokens = line.Tokens
		}
		if line.Done {
			return text, tokens, nil
		}
		if onChunk != nil {
			onChunk(Event{Kind: EventChunkReceived, ChunkText: line.Text})
		}
	}
	if err := scanner.Err(); err != nil {
		return "", 0, fmt.Errorf("llmdispatch: reading stream: %w", err)
	}
	return text, tokens, nil
}

func (t *httpTransport) ListModels(ctx context.Context, baseURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &statusError{code: resp.StatusCode}
	}

	var payload struct {
		Models []string `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("llmdispatch: decoding models response: %w", err)
	}
	return payload.Models, nil
}

func (t *httpTransport) Ping(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/version", nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}
