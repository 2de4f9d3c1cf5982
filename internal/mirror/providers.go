package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hostfleet/assetsync/internal/s3"
)

// StoreProvider is the authoritative tier, backed by the object store client.
type StoreProvider struct {
	client *s3.Client
}

func NewStoreProvider(client *s3.Client) *StoreProvider {
	return &StoreProvider{client: client}
}

func (p *StoreProvider) Name() string { return "store" }

func (p *StoreProvider) Has(ctx context.Context, key string) (bool, error) {
	obj, err := p.client.Head(ctx, key)
	if err != nil {
		return false, err
	}
	return obj != nil, nil
}

func (p *StoreProvider) Fetch(ctx context.Context, key, destPath string, progress Progress) (string, error) {
	return p.client.Download(ctx, key, destPath, s3.Progress(progress))
}

// CacheEntry is one row of a cache tier's listing response.
type CacheEntry struct {
	Name           string    `json:"name"`
	Size           int64     `json:"size"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
}

// CacheProvider talks to a regional cache server: GET /{bucket}/{path} for
// content, GET /{bucket}?prefix= for listings.
type CacheProvider struct {
	baseURL string
	bucket  string
	httpc   *http.Client
}

func NewCacheProvider(baseURL, bucket string, httpc *http.Client) *CacheProvider {
	if httpc == nil {
		httpc = &http.Client{Timeout: 15 * time.Minute}
	}
	return &CacheProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		bucket:  bucket,
		httpc:   httpc,
	}
}

func (p *CacheProvider) Name() string { return "cache " + p.baseURL }

func (p *CacheProvider) Has(ctx context.Context, key string) (bool, error) {
	u := p.baseURL + "/" + p.bucket + "?prefix=" + url.QueryEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("mirror: cache listing returned %s", resp.Status)
	}

	var entries []CacheEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return false, fmt.Errorf("mirror: decode cache listing: %w", err)
	}
	for _, e := range entries {
		if e.Name == key {
			return true, nil
		}
	}
	return false, nil
}

func (p *CacheProvider) Fetch(ctx context.Context, key, destPath string, progress Progress) (string, error) {
	u := p.baseURL + "/" + p.bucket + "/" + strings.TrimPrefix(key, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mirror: cache returned %s for %s", resp.Status, key)
	}

	tmpPath := destPath + ".partial"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmpPath)

	var done int64
	buf := make([]byte, 256<<10)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return "", werr
			}
			done += int64(n)
			if progress != nil {
				progress(done, resp.ContentLength)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			return "", rerr
		}
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if resp.ContentLength >= 0 && done != resp.ContentLength {
		return "", fmt.Errorf("mirror: short read from cache for %s: %d of %d bytes", key, done, resp.ContentLength)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return "", err
	}
	return destPath, nil
}
