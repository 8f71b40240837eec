package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Compile-time interface assertion.
var _ Synthesizer = (*Coqui)(nil)

const (
	coquiTTSEndpoint      = "/api/tts"
	coquiDefaultLanguage  = "en"
	coquiDefaultTimeout   = 15 * time.Second
	coquiMaxResponseBytes = 16 << 20
)

// CoquiOption configures a [Coqui] client.
type CoquiOption func(*Coqui)

// WithLanguage sets the language_id query parameter. Defaults to "en".
func WithLanguage(lang string) CoquiOption {
	return func(c *Coqui) { c.language = lang }
}

// WithSpeaker sets the speaker_id query parameter for multi-speaker models.
func WithSpeaker(id string) CoquiOption {
	return func(c *Coqui) { c.speaker = id }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 15 s.
func WithTimeout(d time.Duration) CoquiOption {
	return func(c *Coqui) { c.httpClient.Timeout = d }
}

// Coqui synthesizes speech with a standard Coqui TTS server
// (ghcr.io/coqui-ai/tts-cpu) through GET /api/tts.
type Coqui struct {
	serverURL  string
	language   string
	speaker    string
	httpClient *http.Client
}

// NewCoqui returns a client for the server at serverURL, e.g.
// "http://localhost:5002".
func NewCoqui(serverURL string, opts ...CoquiOption) (*Coqui, error) {
	if serverURL == "" {
		return nil, errors.New("speech: coqui server URL must not be empty")
	}
	c := &Coqui{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   coquiDefaultLanguage,
		httpClient: &http.Client{Timeout: coquiDefaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Synthesize implements [Synthesizer].
func (c *Coqui) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	params := url.Values{}
	params.Set("text", text)
	if c.speaker != "" {
		params.Set("speaker_id", c.speaker)
	}
	if c.language != "" {
		params.Set("language_id", c.language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+coquiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("speech: create coqui request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech: GET %s: %w", coquiTTSEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("speech: GET %s returned status %d", coquiTTSEndpoint, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, coquiMaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("speech: read coqui response: %w", err)
	}
	if !IsWAV(data) {
		return nil, ErrNotWAV
	}
	return data, nil
}
