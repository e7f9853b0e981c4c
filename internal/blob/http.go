package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultHTTPTimeout = 5 * time.Minute
	defaultBucket      = "audio-files"
	errBodyLimit       = 512
)

// HTTPStore talks to an object storage REST API laid out as
// {URL}/object/{bucket}/{key}, authenticated with a bearer key.
type HTTPStore struct {
	baseURL string
	bucket  string
	apiKey  string
	client  *http.Client
}

func NewHTTPStore(opts Options) (*HTTPStore, error) {
	if opts.URL == "" {
		return nil, errors.New("http blob: url is required")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("http blob: invalid url: %w", err)
	}
	bucket := opts.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(opts.URL, "/"),
		bucket:  bucket,
		apiKey:  opts.APIKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (s *HTTPStore) objectURL(key string) string {
	return s.baseURL + "/object/" + url.PathEscape(s.bucket) + "/" + url.PathEscape(key)
}

func (s *HTTPStore) newRequest(ctx context.Context, method, key string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.objectURL(key), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
		req.Header.Set("apikey", s.apiKey)
	}
	return req, nil
}

func (s *HTTPStore) Upload(ctx context.Context, key string, r io.Reader, contentType string) error {
	req, err := s.newRequest(ctx, http.MethodPost, key, r)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (s *HTTPStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	req, err := s.newRequest(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		log.Warn().Str("key", key).Err(err).Msg("blob download request failed")
		return nil, err //nolint:wrapcheck
	}
	if err := checkStatus(resp); err != nil {
		_ = resp.Body.Close()
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	return resp.Body, nil
}

func (s *HTTPStore) Remove(ctx context.Context, key string) error {
	req, err := s.newRequest(ctx, http.MethodDelete, key, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// checkStatus maps non-2xx responses to errors carrying a bounded body excerpt.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
	msg := strings.TrimSpace(string(excerpt))
	if msg == "" {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return fmt.Errorf("http %d: %s", resp.StatusCode, msg)
}
