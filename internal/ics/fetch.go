package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"inkcal/internal/fault"
	appLog "inkcal/internal/log"
)

// maxBodySize bounds a single feed download.
const maxBodySize = 16 << 20

// validators holds the HTTP cache validators for a single feed URL.
type validators struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads ICS feeds. When cacheDir is set it keeps the last body
// with its ETag / Last-Modified so unchanged feeds are answered with 304.
// A cached body is only reused when the server confirms it is current; any
// failure is reported, never papered over with stale data.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a Fetcher. client may be nil; cacheDir may be empty to
// disable conditional requests.
func NewFetcher(client *http.Client, cacheDir string) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{client: client, cacheDir: cacheDir}
}

// Get returns the feed body for url. Errors are faults scoped to calendarID.
func (f *Fetcher) Get(ctx context.Context, calendarID, url string) ([]byte, error) {
	if url == "" {
		return nil, fault.Configuration(calendarID, "feed url is empty")
	}

	var (
		cachePath string
		meta      validators
		cached    []byte
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(url)
		meta, _ = loadValidators(cachePath)
		cached, _ = os.ReadFile(filepath.Join(cachePath, "body.ics"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fault.Configuration(calendarID, "invalid feed url: %v", err)
	}
	if len(cached) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "calendar", calendarID, "url", redactURL(url))

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.New(fault.KindTimeout, calendarID, "fetch", err)
		}
		return nil, fault.New(fault.KindOf(err), calendarID, "fetch", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			if ctx.Err() != nil {
				return nil, fault.New(fault.KindTimeout, calendarID, "read body", err)
			}
			return nil, fault.New(fault.KindNetwork, calendarID, "read body", err)
		}
		if cachePath != "" {
			next := validators{
				URL:          url,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := saveCache(cachePath, next, body); err != nil {
				appLog.Warn("ics cache save failed", "err", err, "calendar", calendarID, "url", redactURL(url))
			}
		}
		appLog.Debug("ics fetch success", "calendar", calendarID, "url", redactURL(url), "bytes", len(body))
		return body, nil

	case resp.StatusCode == http.StatusNotModified && len(cached) > 0:
		appLog.Debug("ics feed not modified", "calendar", calendarID, "url", redactURL(url))
		return cached, nil
	}

	return nil, statusFault(calendarID, resp.StatusCode, resp.Status)
}

// statusFault maps a non-OK HTTP status onto the fault taxonomy.
func statusFault(calendarID string, code int, status string) error {
	err := errors.New(status)
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return fault.New(fault.KindNotFound, calendarID, "fetch", err)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fault.New(fault.KindAuth, calendarID, "fetch", err)
	case code == http.StatusTooManyRequests:
		return fault.New(fault.KindRateLimited, calendarID, "fetch", err)
	case code == http.StatusNotModified:
		return fault.New(fault.KindServer, calendarID, "fetch", fmt.Errorf("%s without a cached body", status))
	default:
		return fault.New(fault.KindServer, calendarID, "fetch", err)
	}
}

func (f *Fetcher) cachePathForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadValidators(cachePath string) (validators, error) {
	var meta validators
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

func saveCache(cachePath string, meta validators, body []byte) error {
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return err
	}
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL keeps only scheme and host of a feed URL; private feed URLs
// carry their secret in the path or query.
//
//	https://example.com/private/abcd.ics?token=x -> https://example.com/...(redacted)
func redactURL(u string) string {
	const suffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "ics://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' && u[j] != '?' {
		j++
	}
	return u[:j] + suffix
}
