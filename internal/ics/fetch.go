package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

const fetchTimeout = 15 * time.Second

// FetchResult is the body of a feed, fresh or from the cache
type FetchResult struct {
	URL       string
	Body      []byte
	FromCache bool
}

type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads feeds with conditional requests and keeps the last body
// on disk. A failed request falls back to the cached body.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a fetcher caching under cacheDir. A nil client uses a
// default one with a timeout.
func NewFetcher(cacheDir string, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Fetcher{client: client, cacheDir: cacheDir}
}

// Fetch returns the feed at rawURL
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (FetchResult, error) {
	if rawURL == "" {
		return FetchResult{}, errors.New("feed URL is empty")
	}

	sum := sha256.Sum256([]byte(rawURL))
	dir := filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return FetchResult{}, err
	}

	meta, _ := loadMeta(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, "body.ics"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	if len(cached) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	fromCache := FetchResult{URL: rawURL, Body: cached, FromCache: true}

	resp, err := f.client.Do(req)
	if err != nil {
		if len(cached) > 0 {
			slog.Warn("feed request failed, using cached body", "url", redactURL(rawURL), "error", err)
			return fromCache, nil
		}
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return FetchResult{}, err
		}
		entry := cacheEntry{
			URL:          rawURL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := saveCache(dir, entry, body); err != nil {
			slog.Warn("failed to cache feed", "url", redactURL(rawURL), "error", err)
		}
		slog.Debug("feed fetched", "url", redactURL(rawURL), "bytes", len(body))
		return FetchResult{URL: rawURL, Body: body}, nil

	case http.StatusNotModified:
		if len(cached) == 0 {
			return FetchResult{}, errors.New("304 Not Modified without cached body")
		}
		slog.Debug("feed not modified", "url", redactURL(rawURL))
		return fromCache, nil

	default:
		if len(cached) > 0 {
			slog.Warn("feed request returned error status, using cached body",
				"url", redactURL(rawURL), "status", resp.StatusCode)
			return fromCache, nil
		}
		return FetchResult{}, fmt.Errorf("fetch %s: %s", redactURL(rawURL), resp.Status)
	}
}

func loadMeta(dir string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

// saveCache writes the body before the metadata so the metadata never points
// at a missing body
func saveCache(dir string, meta cacheEntry, body []byte) error {
	if err := os.WriteFile(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o600)
}

// redactURL keeps scheme and host; feed URLs often embed tokens
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
