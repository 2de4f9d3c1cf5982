// Package cacheserver implements the regional cache tier build hosts hit
// before the authoritative store: GET /{bucket}/{path} streams an asset,
// filling the cache from the store on first request; GET /{bucket}?prefix=
// lists what the tier can answer for.
package cacheserver

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/hostfleet/assetsync/internal/mirror"
	"github.com/hostfleet/assetsync/internal/s3"
)

// upstream is the slice of the object store client the server needs; tests
// substitute a fake.
type upstream interface {
	Bucket() string
	List(ctx context.Context, prefix string) ([]s3.Object, error)
	Download(ctx context.Context, key, destPath string, progress s3.Progress) (string, error)
}

type Server struct {
	store     upstream
	dir       string
	sizeLimit int64
	fills     singleflight.Group
	evictMu   sync.Mutex
	log       zerolog.Logger
}

func New(store upstream, dir string, sizeLimit int64) (*Server, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Server{
		store:     store,
		dir:       dir,
		sizeLimit: sizeLimit,
		log:       log.With().Str("component", "cacheserver").Logger(),
	}, nil
}

func (s *Server) Router(allowedOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(), gin.Recovery())
	if len(allowedOrigins) > 0 {
		r.Use(corsMiddleware(allowedOrigins))
	}
	r.GET("/:bucket", s.handleList)
	r.GET("/:bucket/*key", s.handleGet)
	r.HEAD("/:bucket/*key", s.handleGet)
	return r
}

func (s *Server) handleList(c *gin.Context) {
	if c.Param("bucket") != s.store.Bucket() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown bucket"})
		return
	}
	prefix := c.Query("prefix")

	// The listing reflects what this tier can answer for, which is the
	// upstream listing: a first request for anything listed fills the cache
	// transparently. Fall back to cached content when the store is
	// unreachable so hosts can still use warm assets.
	objects, err := s.store.List(c.Request.Context(), prefix)
	if err != nil {
		s.log.Warn().Err(err).Msg("upstream listing failed, answering from cache contents")
		entries, lerr := s.cachedEntries(prefix)
		if lerr != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, entries)
		return
	}

	entries := make([]mirror.CacheEntry, 0, len(objects))
	for _, obj := range objects {
		entries = append(entries, mirror.CacheEntry{
			Name:           obj.Key,
			Size:           obj.Size,
			LastModifiedAt: obj.LastModified,
		})
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleGet(c *gin.Context) {
	if c.Param("bucket") != s.store.Bucket() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown bucket"})
		return
	}
	key := strings.TrimPrefix(c.Param("key"), "/")
	localPath, ok := s.localPath(key)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
		return
	}

	if _, err := os.Stat(localPath); err == nil {
		now := time.Now()
		_ = os.Chtimes(localPath, now, now) // recency for eviction
		c.File(localPath)
		return
	}

	// Fill on first request. Concurrent requests for the same key share one
	// upstream download.
	_, err, _ := s.fills.Do(key, func() (any, error) {
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return nil, err
		}
		_, err := s.store.Download(c.Request.Context(), key, localPath, nil)
		return nil, err
	})
	if err != nil {
		if s3.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such asset"})
			return
		}
		s.log.Error().Err(err).Str("key", key).Msg("cache fill failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	s.log.Info().Str("key", key).Msg("cache filled from store")
	s.evict()
	c.File(localPath)
}

// localPath maps a key into the cache directory, refusing traversal.
func (s *Server) localPath(key string) (string, bool) {
	target := filepath.Join(s.dir, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return target, true
}

func (s *Server) cachedEntries(prefix string) ([]mirror.CacheEntry, error) {
	entries := []mirror.CacheEntry{}
	err := filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		entries = append(entries, mirror.CacheEntry{
			Name:           name,
			Size:           info.Size(),
			LastModifiedAt: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// evict drops least-recently-used content until the cache fits the size
// budget. A zero budget disables eviction.
func (s *Server) evict() {
	if s.sizeLimit <= 0 {
		return
	}
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	type cached struct {
		path string
		size int64
		used time.Time
	}
	var files []cached
	var total int64
	_ = filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		files = append(files, cached{path: path, size: info.Size(), used: info.ModTime()})
		total += info.Size()
		return nil
	})
	if total <= s.sizeLimit {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].used.Before(files[j].used) })
	for _, f := range files {
		if total <= s.sizeLimit {
			break
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			continue
		}
		total -= f.size
		s.log.Info().Str("path", f.path).Msg("evicted cached asset")
	}
}
