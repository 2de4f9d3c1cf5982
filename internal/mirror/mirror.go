// Package mirror resolves asset names against an ordered list of content
// providers. Order encodes cost: cheap regional cache tiers first, the
// authoritative store last. Resolution picks the first provider that claims
// to have the asset; the transfer then goes through that same provider so
// the two steps never disagree about the source.
package mirror

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// ErrAssetUnavailable means no provider in the chain had the asset. Fatal for
// that asset, irrelevant to the rest of a batch.
var ErrAssetUnavailable = errors.New("mirror: asset unavailable from all providers")

// Progress mirrors the object store client's callback shape.
type Progress func(transferred, total int64)

// Provider is one tier capable of answering for assets. Has is a cheap
// existence check; no bytes move before a provider affirms.
type Provider interface {
	Name() string
	Has(ctx context.Context, key string) (bool, error)
	Fetch(ctx context.Context, key, destPath string, progress Progress) (string, error)
}

// Chain tries providers strictly in configured order.
type Chain struct {
	providers []Provider
}

func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

// Resolve returns the first provider that affirms having key. A provider
// whose existence check fails is skipped so a dead cache tier never masks the
// authoritative store behind it; if no provider affirms, the last check error
// (if any) is surfaced rather than being flattened into "unavailable".
func (c *Chain) Resolve(ctx context.Context, key string) (Provider, error) {
	var lastErr error
	for _, p := range c.providers {
		ok, err := p.Has(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("provider", p.Name()).Str("key", key).
				Msg("provider existence check failed, trying next tier")
			lastErr = err
			continue
		}
		if ok {
			return p, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrAssetUnavailable
}
