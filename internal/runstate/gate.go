package runstate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// heartbeatMinGap rate-limits heartbeat writes during a run: at most one per
// second of wall time, however often the job reports progress.
const heartbeatMinGap = time.Second

// RunOptions selects which policies apply to one invocation.
type RunOptions struct {
	// Interval refuses the run when the last heartbeat is younger than
	// this. Zero disables the interval policy.
	Interval time.Duration
	// Force overrides the interval policy, never the serial one.
	Force bool
}

// Gate composes the two scheduling policies in front of a job. A refused run
// is skipped, not queued.
type Gate struct {
	store Store
	now   func() time.Time
}

func NewGate(store Store) *Gate {
	return &Gate{store: store, now: time.Now}
}

// Run executes fn under both policies. fn receives a heartbeat function it
// should call as it makes progress; the gate rate-limits actual writes so a
// long download keeps looking "recently active" to other invocations without
// hammering the store. On success a final heartbeat is recorded
// unconditionally.
func (g *Gate) Run(ctx context.Context, job string, opts RunOptions, fn func(ctx context.Context, heartbeat func()) error) error {
	if opts.Interval > 0 && !opts.Force {
		last, ok, err := g.store.LastHeartbeat(ctx, job)
		if err != nil {
			return err
		}
		if ok && g.now().Sub(last) < opts.Interval {
			log.Debug().Str("job", job).Time("last_heartbeat", last).Msg("interval policy refused run")
			return ErrTooSoon
		}
	}

	release, err := g.store.AcquireLock(ctx, job)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			log.Warn().Err(err).Str("job", job).Msg("could not release job lock")
		}
	}()

	hb := &heartbeater{gate: g, ctx: ctx, job: job}
	if err := fn(ctx, hb.beat); err != nil {
		return err
	}
	return g.store.RecordHeartbeat(ctx, job, g.now())
}

// heartbeater throttles heartbeat writes. Safe for concurrent use: parallel
// download workers all report through one instance.
type heartbeater struct {
	gate *Gate
	ctx  context.Context
	job  string

	mu   sync.Mutex
	last time.Time
}

func (h *heartbeater) beat() {
	h.mu.Lock()
	now := h.gate.now()
	if !h.last.IsZero() && now.Sub(h.last) < heartbeatMinGap {
		h.mu.Unlock()
		return
	}
	h.last = now
	h.mu.Unlock()

	if err := h.gate.store.RecordHeartbeat(h.ctx, h.job, now); err != nil {
		log.Warn().Err(err).Str("job", h.job).Msg("heartbeat write failed")
	}
}
