// Package recovery repairs state a previous process left behind and replays
// queued handshakes once the network first becomes available.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xxmessenger/courier/internal/bus"
	"github.com/xxmessenger/courier/internal/handshake"
	"github.com/xxmessenger/courier/internal/metrics"
	"github.com/xxmessenger/courier/internal/status"
	"github.com/xxmessenger/courier/internal/store"
	"github.com/xxmessenger/courier/internal/transport"
	"gitlab.com/xx_network/primitives/id"
	"go.uber.org/zap"
)

// Handshakes replays queued handshake calls.
type Handshakes interface {
	RetryRequest(ctx context.Context, uid *id.ID) (*store.Contact, error)
	Confirm(ctx context.Context, uid *id.ID) (*store.Contact, error)
}

// Watcher re-registers round watchers for messages still sending.
type Watcher interface {
	Rewatch(m store.Message)
}

// Report summarizes a startup recovery.
type Report struct {
	Demoted   map[store.AuthStatus]int64
	Requeued  int64
	Rewatched int
}

// Coordinator is the network recovery coordinator.
type Coordinator struct {
	db         *store.DB
	handshakes Handshakes
	watcher    Watcher
	net        transport.Network
	machine    *status.Machine
	bus        *bus.Bus
	metrics    *metrics.Metrics
	logger     *zap.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	replayed sync.Once
}

// New creates a coordinator. machine may be nil.
func New(db *store.DB, h Handshakes, w Watcher, net transport.Network, machine *status.Machine, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		db:         db,
		handshakes: h,
		watcher:    w,
		net:        net,
		machine:    machine,
		bus:        b,
		metrics:    m,
		logger:     logger.Named("recovery"),
	}
}

// Recover runs before any network activity. It demotes contacts stuck in an
// in-flight status, requeues handshake calls that never finished and resumes
// watching messages still sending. Running it twice changes nothing the
// second time.
func (c *Coordinator) Recover(ctx context.Context) (*Report, error) {
	c.transition(status.Recovering)

	rep := &Report{Demoted: make(map[store.AuthStatus]int64)}
	for _, from := range handshake.InFlightStatuses() {
		to, _ := handshake.FailureFor(from)
		n, err := c.db.BulkUpdateContactStatus(from, to)
		if err != nil {
			c.transition(status.Error)
			return nil, fmt.Errorf("demote %s contacts: %w", from, err)
		}
		if n > 0 {
			rep.Demoted[from] = n
			c.metrics.Demoted(string(from), n)
			c.logger.Info("demoted in-flight contacts", zap.String("from", string(from)),
				zap.String("to", string(to)), zap.Int64("count", n))
		}
	}

	n, err := c.db.RequeueInFlightHandshakes()
	if err != nil {
		c.transition(status.Error)
		return nil, fmt.Errorf("requeue handshakes: %w", err)
	}
	rep.Requeued = n

	sending, err := c.db.SendingMessages()
	if err != nil {
		c.transition(status.Error)
		return nil, fmt.Errorf("load sending messages: %w", err)
	}
	for _, m := range sending {
		c.watcher.Rewatch(m)
	}
	rep.Rewatched = len(sending)

	c.logger.Info("startup recovery done", zap.Int64("requeued", rep.Requeued), zap.Int("rewatched", rep.Rewatched))
	c.transition(status.Offline)
	return rep, nil
}

// Start follows the network status. The first transition to available
// replays the handshake outbox; later ones only update the daemon state.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	updates := c.net.NetworkStatus(ctx)

	go func() {
		defer close(c.done)
		for {
			select {
			case s, ok := <-updates:
				if !ok {
					return
				}
				c.handleStatus(ctx, s)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops following the network status.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

func (c *Coordinator) handleStatus(ctx context.Context, s transport.NetworkStatus) {
	c.logger.Info("network status", zap.String("status", string(s)))
	c.bus.Emit(bus.NetworkChanged, s)

	switch s {
	case transport.Available:
		c.transition(status.Online)
		c.replayed.Do(func() {
			if _, err := c.Replay(ctx); err != nil {
				c.logger.Error("handshake replay failed", zap.Error(err))
			}
		})
	case transport.Unavailable:
		c.transition(status.Offline)
	}
}

// Replay re-issues every queued handshake call. Entries whose contact has
// moved on are dropped. It returns the number of calls issued.
func (c *Coordinator) Replay(ctx context.Context) (int, error) {
	entries, err := c.db.QueuedHandshakes()
	if err != nil {
		return 0, fmt.Errorf("load queued handshakes: %w", err)
	}

	issued := 0
	for _, e := range entries {
		var err error
		switch e.Kind {
		case store.HandshakeRequest:
			_, err = c.handshakes.RetryRequest(ctx, e.ContactID)
		case store.HandshakeConfirm:
			_, err = c.handshakes.Confirm(ctx, e.ContactID)
		default:
			err = fmt.Errorf("unknown handshake kind %q", e.Kind)
		}
		if err == nil {
			issued++
			continue
		}

		c.logger.Warn("queued handshake not replayed", zap.Error(err),
			zap.Stringer("contact", e.ContactID), zap.String("kind", string(e.Kind)))
		if errors.Is(err, handshake.ErrInvalidState) || errors.Is(err, handshake.ErrNotFound) ||
			errors.Is(err, handshake.ErrMissingIdentity) {
			if err := c.db.DropHandshakes(e.ContactID); err != nil {
				c.logger.Error("failed to drop handshake entries", zap.Error(err), zap.Stringer("contact", e.ContactID))
			}
		}
	}
	c.metrics.Replayed(issued)
	if len(entries) > 0 {
		c.logger.Info("handshake outbox replayed", zap.Int("queued", len(entries)), zap.Int("issued", issued))
	}
	return issued, nil
}

func (c *Coordinator) transition(to status.State) {
	if c.machine == nil || c.machine.Current() == to {
		return
	}
	if err := c.machine.Transition(to); err != nil {
		c.logger.Warn("daemon state not changed", zap.Error(err))
	}
}
