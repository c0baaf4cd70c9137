// Package deepgram provides a Deepgram-backed STT provider using the
// pre-recorded transcription REST API (POST /v1/listen). Each Transcribe call
// submits one audio segment and returns the top alternative.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/echograph/pkg/provider/stt"
)

const (
	deepgramEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithEndpoint overrides the API endpoint, mainly for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by the Deepgram REST API. It is
// stateless per request and safe for concurrent use.
type Provider struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		endpoint:   deepgramEndpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// response mirrors the subset of the Deepgram pre-recorded response we read.
type response struct {
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if len(req.Audio) == 0 {
		return nil, nil
	}

	endpoint, contentType, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.Audio))
	if err != nil {
		return nil, fmt.Errorf("deepgram: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Token "+p.apiKey)
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("deepgram: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deepgram: server returned HTTP %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var parsed response
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("deepgram: parse response: %w", err)
	}
	if len(parsed.Results.Channels) == 0 {
		return nil, nil
	}
	channel := parsed.Results.Channels[0]
	if len(channel.Alternatives) == 0 {
		return nil, nil
	}
	alt := channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return nil, nil
	}

	return &stt.Result{
		Text:         text,
		Confidence:   alt.Confidence,
		LanguageCode: channel.DetectedLanguage,
	}, nil
}

// buildRequest assembles the query string and content type for the segment.
// Raw PCM needs explicit encoding parameters; container formats are sniffed
// by the API from the content type.
func (p *Provider) buildRequest(req stt.Request) (endpoint, contentType string, err error) {
	params := url.Values{}
	params.Set("model", p.model)
	params.Set("smart_format", "true")

	if len(req.Languages) == 1 && req.Languages[0] != "" && req.Languages[0] != "auto" {
		params.Set("language", req.Languages[0])
	} else {
		params.Set("detect_language", "true")
	}

	switch strings.ToLower(req.Codec) {
	case "pcm", "":
		sr := req.SampleRate
		if sr <= 0 {
			sr = 16000
		}
		ch := req.Channels
		if ch <= 0 {
			ch = 1
		}
		params.Set("encoding", "linear16")
		params.Set("sample_rate", strconv.Itoa(sr))
		params.Set("channels", strconv.Itoa(ch))
		contentType = "application/octet-stream"
	case "wav":
		contentType = "audio/wav"
	case "webm":
		contentType = "audio/webm"
	case "opus":
		contentType = "audio/ogg"
	case "mp3":
		contentType = "audio/mpeg"
	default:
		return "", "", fmt.Errorf("deepgram: unsupported codec %q", req.Codec)
	}

	return p.endpoint + "?" + params.Encode(), contentType, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
