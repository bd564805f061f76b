// Package gemini talks to the Gemini REST API: one-time media upload with
// an ACTIVE poll, then schema-constrained generateContent calls scoped to a
// time window of the uploaded video.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileRef identifies an uploaded media file.
type FileRef struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	State    string `json:"state"`
}

// GenerateRequest is one model invocation over a window of the uploaded
// video.
type GenerateRequest struct {
	Model      string
	File       FileRef
	StartS     float64
	EndS       float64
	FPS        int
	Prompt     string
	SchemaJSON string
}

// Client is the model transport the cascade depends on. Tests substitute a
// fake; production uses the REST client below.
type Client interface {
	Upload(ctx context.Context, path string) (FileRef, error)
	PollActive(ctx context.Context, ref FileRef, attempts int, interval time.Duration) (FileRef, error)
	Generate(ctx context.Context, req GenerateRequest) (map[string]any, error)
}

// RESTClient implements Client against the generativelanguage API.
// The http.Client carries no timeout; per-request context deadlines govern
// cancellation.
type RESTClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewRESTClient builds a REST client for the given endpoint and key.
func NewRESTClient(baseURL, apiKey string) *RESTClient {
	return &RESTClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 0},
	}
}

// Upload pushes the media file in one raw upload and returns the file
// reference, which is usually still in state PROCESSING.
func (c *RESTClient) Upload(ctx context.Context, path string) (FileRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileRef{}, err
	}
	defer f.Close()

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "video/mp4"
	}

	url := fmt.Sprintf("%s/upload/v1beta/files?key=%s", c.BaseURL, c.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, f)
	if err != nil {
		return FileRef{}, err
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("X-Goog-Upload-Protocol", "raw")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return FileRef{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return FileRef{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return FileRef{}, ErrorFromHTTPStatus(resp.StatusCode, string(body),
			ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	}

	var envelope struct {
		File FileRef `json:"file"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return FileRef{}, fmt.Errorf("parse upload response: %w", err)
	}
	if envelope.File.Name == "" {
		return FileRef{}, fmt.Errorf("upload response missing file name")
	}
	return envelope.File, nil
}

// PollActive polls files.get until the file reaches ACTIVE, giving up after
// the configured number of attempts.
func (c *RESTClient) PollActive(ctx context.Context, ref FileRef, attempts int, interval time.Duration) (FileRef, error) {
	for i := 0; i < attempts; i++ {
		current, err := c.getFile(ctx, ref.Name)
		if err != nil {
			return FileRef{}, err
		}
		if strings.HasSuffix(strings.ToUpper(current.State), "ACTIVE") {
			return current, nil
		}
		select {
		case <-ctx.Done():
			return FileRef{}, ctx.Err()
		case <-time.After(interval):
		}
	}
	return FileRef{}, fmt.Errorf("file %s did not become active after %d polls", ref.Name, attempts)
}

func (c *RESTClient) getFile(ctx context.Context, name string) (FileRef, error) {
	url := fmt.Sprintf("%s/v1beta/%s?key=%s", c.BaseURL, name, c.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FileRef{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return FileRef{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return FileRef{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return FileRef{}, ErrorFromHTTPStatus(resp.StatusCode, string(body),
			ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	}
	var ref FileRef
	if err := json.Unmarshal(body, &ref); err != nil {
		return FileRef{}, fmt.Errorf("parse file state: %w", err)
	}
	return ref, nil
}

// Generate invokes the model over a window of the uploaded file and returns
// the parsed JSON response body.
func (c *RESTClient) Generate(ctx context.Context, gr GenerateRequest) (map[string]any, error) {
	var schema map[string]any
	if err := json.Unmarshal([]byte(gr.SchemaJSON), &schema); err != nil {
		return nil, fmt.Errorf("parse request schema: %w", err)
	}

	payload := map[string]any{
		"contents": []map[string]any{{
			"parts": []map[string]any{
				{"text": gr.Prompt},
				{
					"fileData": map[string]any{
						"fileUri":  gr.File.URI,
						"mimeType": gr.File.MimeType,
					},
					"videoMetadata": map[string]any{
						"startOffset": fmt.Sprintf("%.3fs", maxFloat(gr.StartS, 0)),
						"endOffset":   fmt.Sprintf("%.3fs", maxFloat(gr.EndS, 0)),
						"fps":         gr.FPS,
					},
				},
			},
		}},
		"generationConfig": map[string]any{
			"responseMimeType": "application/json",
			"responseSchema":   sanitizeSchema(schema),
			"temperature":      0.1,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.BaseURL, gr.Model, c.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewTimeoutError(fmt.Sprintf("%s request cancelled: %v", gr.Model, ctx.Err()))
		}
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ErrorFromHTTPStatus(resp.StatusCode, string(respBody),
			ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	}

	var genResp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return nil, fmt.Errorf("parse generate response: %w", err)
	}
	if len(genResp.Candidates) == 0 || len(genResp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("generate response has no candidates")
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(genResp.Candidates[0].Content.Parts[0].Text), &parsed); err != nil {
		return nil, fmt.Errorf("parse model JSON: %w", err)
	}
	return parsed, nil
}

// sanitizeSchema strips validation keywords the generateContent endpoint
// rejects while keeping the structural constraints.
func sanitizeSchema(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if k == "additionalProperties" || k == "$schema" || k == "$id" {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return sanitizeSchema(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
