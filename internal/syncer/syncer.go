package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hostfleet/assetsync/internal/mirror"
	"github.com/hostfleet/assetsync/internal/retry"
	"github.com/hostfleet/assetsync/internal/s3"
)

// Options configures one Syncer. Everything arrives explicitly at
// construction so tests can substitute fixtures per test.
type Options struct {
	AssetDir     string
	RemotePrefix string
	ManifestKey  string
	Protected    []string
	Parallel     int
	// DeleteOnEmptyManifest permits executing the deletion half of a plan
	// built from an empty manifest. An unexpectedly empty manifest usually
	// means something upstream broke, so the default is to refuse.
	DeleteOnEmptyManifest bool
	Retry                 retry.Policy
}

// Syncer drives one host's reconciliation. The manifest and listing come from
// the authoritative store; asset bytes route through the mirror chain.
type Syncer struct {
	store *s3.Client
	chain *mirror.Chain
	opts  Options
	log   zerolog.Logger
}

func New(store *s3.Client, chain *mirror.Chain, opts Options) *Syncer {
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = retry.Policy{Attempts: 3, Delay: 5 * time.Second}
	}
	return &Syncer{
		store: store,
		chain: chain,
		opts:  opts,
		log:   log.With().Str("component", "syncer").Logger(),
	}
}

// Result reports what one run did. Per-asset failures are recorded and
// skipped; only store-wide authentication failures abort a run.
type Result struct {
	Downloaded     []string
	Deleted        []string
	Failed         map[string]error
	DeletesSkipped bool
}

// Run fetches the manifest, plans against the store listing and the local
// asset set, then executes the plan. heartbeat, if non-nil, is invoked as
// work completes so interval policies in other processes see this run as
// active; pass nil when not running under the policy gate.
func (s *Syncer) Run(ctx context.Context, heartbeat func()) (*Result, error) {
	manifest, err := s.fetchManifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	remote, err := s.store.List(ctx, s.opts.RemotePrefix)
	if err != nil {
		return nil, fmt.Errorf("list remote assets: %w", err)
	}
	if err := os.MkdirAll(s.opts.AssetDir, 0o755); err != nil {
		return nil, err
	}
	local, err := ListLocalAssets(s.opts.AssetDir)
	if err != nil {
		return nil, fmt.Errorf("list local assets: %w", err)
	}

	plan := Plan(manifest, remote, local, s.opts.Protected, s.opts.RemotePrefix)
	s.log.Info().
		Int("manifest", manifest.Len()).
		Int("remote", len(remote)).
		Int("local", len(local)).
		Int("to_download", len(plan.ToDownload)).
		Int("to_delete", len(plan.ToDelete)).
		Msg("sync plan computed")

	result := &Result{Failed: make(map[string]error)}
	if err := s.download(ctx, plan.ToDownload, result, heartbeat); err != nil {
		return result, err
	}
	s.deleteAssets(manifest, plan.ToDelete, result)
	if heartbeat != nil {
		heartbeat()
	}
	return result, nil
}

func (s *Syncer) fetchManifest(ctx context.Context) (*Manifest, error) {
	tmp, err := os.CreateTemp("", "assetsync-manifest-*")
	if err != nil {
		return nil, err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	if _, err := s.store.Download(ctx, s.opts.ManifestKey, tmp.Name(), nil); err != nil {
		return nil, err
	}
	return LoadManifest(tmp.Name())
}

// download fans the plan out over a bounded worker group. Per-asset failures
// are recorded and skipped so one bad asset never sinks the batch; an
// authentication failure means every remaining request would fail the same
// way, so it aborts immediately.
func (s *Syncer) download(ctx context.Context, objects []s3.Object, result *Result, heartbeat func()) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Parallel)

	for _, obj := range objects {
		g.Go(func() error {
			dest, err := s.downloadOne(gctx, obj, heartbeat)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if s3.IsAuthFailure(err) {
					return err
				}
				s.log.Warn().Err(err).Str("key", obj.Key).Msg("asset download failed, continuing batch")
				result.Failed[obj.Key] = err
				return nil
			}
			result.Downloaded = append(result.Downloaded, dest)
			if heartbeat != nil {
				heartbeat()
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Syncer) downloadOne(ctx context.Context, obj s3.Object, heartbeat func()) (string, error) {
	rel := strings.TrimPrefix(obj.Key, s.opts.RemotePrefix)
	dest := filepath.Join(s.opts.AssetDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}

	progress := func(done, total int64) {
		if heartbeat != nil {
			heartbeat()
		}
	}

	err := s.opts.Retry.Do(ctx, func() error {
		provider, err := s.chain.Resolve(ctx, obj.Key)
		if err != nil {
			return err
		}
		_, err = provider.Fetch(ctx, obj.Key, dest, progress)
		return err
	}, func(err error) bool {
		if errors.Is(err, mirror.ErrAssetUnavailable) {
			return false
		}
		var cm *s3.ChecksumMismatch
		// A corrupt attempt is safe to restart from scratch.
		return s3.IsRetryable(err) || errors.As(err, &cm)
	})
	if err != nil {
		return "", err
	}
	s.log.Info().Str("key", obj.Key).Str("dest", dest).Msg("asset downloaded")
	return dest, nil
}

func (s *Syncer) deleteAssets(manifest *Manifest, assets []LocalAsset, result *Result) {
	if len(assets) == 0 {
		return
	}
	if manifest.Len() == 0 && !s.opts.DeleteOnEmptyManifest {
		s.log.Warn().Int("would_delete", len(assets)).
			Msg("manifest is empty, refusing deletions; rerun with deletion override if intended")
		result.DeletesSkipped = true
		return
	}
	for _, a := range assets {
		if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
			result.Failed[a.Rel] = err
			continue
		}
		s.log.Info().Str("asset", a.Rel).Msg("asset deleted")
		result.Deleted = append(result.Deleted, a.Rel)
	}
}
