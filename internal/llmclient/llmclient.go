// Package llmclient calls the LLM backend's streamed generation endpoint
// (spec §6): POST /api/generate with stream:true, NDJSON response lines.
// Client construction follows the teacher's sdk/go/client.go pooled
// http.Client idiom; the line-oriented decode loop is a bufio.Scanner over
// the response body, one decoded chunk forwarded to onChunk as soon as it
// arrives (§9 Design Notes: "no buffering").
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Options configures one generation call.
type Options struct {
	Temperature    float64
	NumPredict     int
	RepeatPenalty  float64
	RepeatLastN    int
}

// Client streams completions from the LLM backend.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
}

// New creates a Client bounded by timeout.
func New(baseURL, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	Stream  bool    `json:"stream"`
	Options options `json:"options"`
}

type options struct {
	Temperature   float64 `json:"temperature"`
	NumPredict    int     `json:"num_predict"`
	RepeatPenalty float64 `json:"repeat_penalty"`
	RepeatLastN   int     `json:"repeat_last_n"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate streams a completion for prompt, invoking onChunk for every
// decoded fragment as it arrives, and returns the concatenated full
// response. A transport failure, a non-2xx status, or a malformed line
// ends the stream and returns an error — the caller (stream analyzer) is
// responsible for turning that into "Analysis failed: …" rather than
// propagating it further (spec §4.7).
func (c *Client) Generate(ctx context.Context, prompt string, opts Options, onChunk func(string)) (string, error) {
	reqBody := generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: true,
		Options: options{
			Temperature:   opts.Temperature,
			NumPredict:    opts.NumPredict,
			RepeatPenalty: opts.RepeatPenalty,
			RepeatLastN:   opts.RepeatLastN,
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("llm backend returned status %d", resp.StatusCode)
	}

	var full bytes.Buffer
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return full.String(), fmt.Errorf("decode ndjson chunk: %w", err)
		}

		if chunk.Response != "" {
			full.WriteString(chunk.Response)
			if onChunk != nil {
				onChunk(chunk.Response)
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("read ndjson stream: %w", err)
	}

	return full.String(), nil
}

// Tags probes GET /api/tags, used as an optional liveness check.
func (c *Client) Tags(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("llm backend returned status %d", resp.StatusCode)
	}
	return nil
}
