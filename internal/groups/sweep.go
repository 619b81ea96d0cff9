package groups

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/adhocore/gronx"
	"github.com/xxmessenger/courier/internal/store"
	"gitlab.com/xx_network/primitives/id"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// sweepBatch caps the ids sent in one sweep lookup.
const sweepBatch = 64

// Sweeper periodically retries username lookups for members left in
// pendingUsername, for example after a lookup failed while offline.
type Sweeper struct {
	resolver *Resolver
	cron     string
	batch    int
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewSweeper schedules ResolvePending on the cron expression. Batched
// lookups within a sweep are limited to rps per second with the given burst.
func NewSweeper(r *Resolver, cron string, rps float64, burst int) (*Sweeper, error) {
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid member sweep schedule %q", cron)
	}
	if burst < 1 {
		burst = 1
	}
	return &Sweeper{
		resolver: r,
		cron:     cron,
		batch:    sweepBatch,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		logger:   r.logger.Named("sweep"),
	}, nil
}

// Run sweeps on schedule until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		next, err := gronx.NextTickAfter(s.cron, time.Now().UTC(), false)
		if err != nil {
			s.logger.Error("member sweep schedule failed", zap.Error(err))
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-time.After(time.Until(next)):
			if n, err := s.ResolvePending(ctx); err != nil {
				s.logger.Warn("member sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("member sweep done", zap.Int("looked_up", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// ResolvePending looks up every member still waiting for a username and
// applies the results. Ids go out in batches of at most s.batch, and each
// batch takes one limiter token, so a large backlog is spread out instead of
// hitting the network in one burst. It returns the number of ids looked up.
func (s *Sweeper) ResolvePending(ctx context.Context) (int, error) {
	members, err := s.resolver.db.FetchGroupMembers(store.MemberQuery{
		Status: []store.MemberStatus{store.MemberPendingUsername},
	})
	if err != nil {
		return 0, fmt.Errorf("fetch pending members: %w", err)
	}
	seen := make(map[id.ID]bool, len(members))
	var ids []*id.ID
	for _, m := range members {
		if seen[*m.ContactID] {
			continue
		}
		seen[*m.ContactID] = true
		ids = append(ids, m.ContactID)
	}

	done := 0
	for chunk := range slices.Chunk(ids, s.batch) {
		if err := s.limiter.Wait(ctx); err != nil {
			return done, err
		}
		if err := s.lookup(ctx, chunk); err != nil {
			return done, err
		}
		done += len(chunk)
	}
	return done, nil
}

func (s *Sweeper) lookup(ctx context.Context, ids []*id.ID) error {
	pending, err := s.resolver.net.LookupIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("lookup pending members: %w", err)
	}
	select {
	case res := <-pending:
		s.resolver.applyLookup(res)
		if res.Err != nil {
			return fmt.Errorf("lookup pending members: %w", res.Err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
