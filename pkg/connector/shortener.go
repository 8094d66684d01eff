// Copyright 2024-2026 Aiku AI

package connector

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

// Shortener turns a long URL into a short one.
type Shortener interface {
	Shorten(ctx context.Context, longURL string) (string, error)
}

// NoopShortener returns URLs unchanged.
type NoopShortener struct{}

func (NoopShortener) Shorten(_ context.Context, longURL string) (string, error) {
	return longURL, nil
}

// HTTPShortener calls a shortening endpoint with the long URL in the "url"
// query parameter and uses the trimmed response body as the short URL.
type HTTPShortener struct {
	Endpoint string
	Client   *http.Client
}

// NewShortener returns an HTTPShortener for cfg.URL, or a NoopShortener if
// no endpoint is configured.
func NewShortener(cfg ShortenerConfig) Shortener {
	if cfg.URL == "" {
		return NoopShortener{}
	}
	return &HTTPShortener{
		Endpoint: cfg.URL,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPShortener) Shorten(ctx context.Context, longURL string) (string, error) {
	endpoint, err := url.Parse(s.Endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse shortener URL: %w", err)
	}
	query := endpoint.Query()
	query.Set("url", longURL)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to prepare shortener request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to shorten URL: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("failed to read shortener response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("shortener returned status %d", resp.StatusCode)
	}
	short := strings.TrimSpace(string(body))
	if short == "" {
		return "", errors.New("shortener returned an empty response")
	}
	return short, nil
}
