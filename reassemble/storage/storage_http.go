package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	rerrors "github.com/flaneur2020/chunk-reassemble/reassemble/errors"
	"github.com/flaneur2020/chunk-reassemble/reassemble/logger"
)

// HTTPStorage reads chunks published under a base URL, one object per chunk
// (GET <base>/<name>). It is read-only: RemoveChunk returns ErrReadOnly and
// ListChunks only knows the names it was given with WithChunks.
type HTTPStorage struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	names      []string
}

var _ Storage = (*HTTPStorage)(nil)

// NewHTTPStorage creates an HTTP-backed storage. baseURL may omit the scheme,
// in which case https is used, or http for localhost.
func NewHTTPStorage(baseURL string, insecure bool) *HTTPStorage {
	client := &http.Client{}
	if insecure {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	if !strings.Contains(baseURL, "://") {
		host := baseURL
		if idx := strings.Index(host, "/"); idx != -1 {
			host = host[:idx]
		}
		baseURL = getScheme(host) + "://" + baseURL
	}

	return &HTTPStorage{
		httpClient: client,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// WithCredential returns a copy that sends basic auth on every request.
func (s *HTTPStorage) WithCredential(username, password string) *HTTPStorage {
	return &HTTPStorage{
		httpClient: s.httpClient,
		baseURL:    s.baseURL,
		username:   username,
		password:   password,
		names:      s.names,
	}
}

// WithChunks returns a copy whose ListChunks reports the given names.
func (s *HTTPStorage) WithChunks(names []string) *HTTPStorage {
	return &HTTPStorage{
		httpClient: s.httpClient,
		baseURL:    s.baseURL,
		username:   s.username,
		password:   s.password,
		names:      append([]string(nil), names...),
	}
}

// IsRemote reports whether location looks like an http(s) URL.
func IsRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

func (s *HTTPStorage) applyAuth(req *http.Request) {
	if s.username != "" && s.password != "" {
		req.SetBasicAuth(s.username, s.password)
	}
}

func (s *HTTPStorage) chunkURL(name string) string {
	return s.baseURL + "/" + url.PathEscape(name)
}

// ListChunks returns the names configured with WithChunks. Sizes are unknown (-1).
func (s *HTTPStorage) ListChunks(ctx context.Context) ([]ChunkDescriptor, error) {
	if len(s.names) == 0 {
		return nil, rerrors.ErrIO.
			WithMessage("remote storage cannot list chunks; a manifest is required").
			WithDetail("url", s.baseURL)
	}

	descs := make([]ChunkDescriptor, 0, len(s.names))
	for _, name := range s.names {
		descs = append(descs, ChunkDescriptor{Name: name, Size: -1})
	}
	return descs, nil
}

// OpenChunk fetches a chunk. The caller must close the returned body.
func (s *HTTPStorage) OpenChunk(ctx context.Context, name string) (io.ReadCloser, error) {
	chunkURL := s.chunkURL(name)
	logger.Debug("Fetching chunk %s", chunkURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, chunkURL, nil)
	if err != nil {
		return nil, rerrors.ErrIO.WithDetail("chunk", name).WithCause(err)
	}
	s.applyAuth(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		logger.Error("HTTP request failed: %v", err)
		return nil, rerrors.ErrIO.WithDetail("chunk", name).WithCause(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, rerrors.ErrChunkNotFound.WithDetail("chunk", name).WithDetail("url", chunkURL)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, rerrors.ErrIO.
			WithDetail("chunk", name).
			WithCause(fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
}

// RemoveChunk leaves remote chunks in place and reports ErrReadOnly.
func (s *HTTPStorage) RemoveChunk(ctx context.Context, name string) error {
	return ErrReadOnly
}

func getScheme(host string) string {
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	if host == "localhost" || host == "127.0.0.1" {
		return "http"
	}
	return "https"
}
