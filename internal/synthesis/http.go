package synthesis

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

const quotaMarker = "notEnoughPoints"

type httpSynth struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPSynth calls a GET synthesis endpoint with key, speaker, speed and
// text query parameters and expects raw audio in the body.
func NewHTTPSynth(endpoint, apiKey string, client *http.Client) Synthesizer {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpSynth{endpoint: endpoint, apiKey: apiKey, client: client}
}

func (s *httpSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse synthesis endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", s.apiKey)
	q.Set("speaker", strconv.Itoa(req.Voice))
	q.Set("speed", strconv.FormatFloat(req.Speed, 'f', -1, 64))
	q.Set("text", req.Text)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read synthesis response: %w", err)
	}
	if bytes.Contains(data, []byte(quotaMarker)) {
		return nil, fmt.Errorf("%w: %s", ErrQuotaExceeded, resp.Status)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	if len(data) == 0 {
		return nil, ErrEmptyAudio
	}
	return data, nil
}
