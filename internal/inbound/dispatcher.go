// Package inbound routes network traffic published on the bus into the
// engines that own it.
package inbound

import (
	"context"

	"github.com/xxmessenger/courier/internal/bus"
	"github.com/xxmessenger/courier/internal/store"
	"github.com/xxmessenger/courier/internal/transport"
	"gitlab.com/xx_network/primitives/id"
	"go.uber.org/zap"
)

// Handshakes handles contact requests and remote confirmations.
type Handshakes interface {
	Verify(ctx context.Context, req transport.RequestReceived) (*store.Contact, error)
	HandleConfirmation(ctx context.Context, uid *id.ID) (*store.Contact, error)
}

// Groups handles group invitations.
type Groups interface {
	HandleRequest(ctx context.Context, info transport.GroupInfo) (*store.Group, error)
}

// Messages stores incoming messages and transfer progress.
type Messages interface {
	Receive(ctx context.Context, msg transport.MessageReceived) (*store.Message, error)
	UpdateTransfer(ctx context.Context, p transport.TransferProgress) (*store.FileTransfer, error)
}

// Dispatcher subscribes to "xx." events on the bus and hands each one to
// its engine. Events are processed one at a time in publish order.
type Dispatcher struct {
	bus        *bus.Bus
	handshakes Handshakes
	groups     Groups
	messages   Messages
	logger     *zap.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a dispatcher.
func New(b *bus.Bus, h Handshakes, g Groups, m Messages, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		bus:        b,
		handshakes: h,
		groups:     g,
		messages:   m,
		logger:     logger.Named("inbound"),
	}
}

// Start subscribes to inbound network events.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	ch, unsub := d.bus.Subscribe("xx.", 256)

	go func() {
		defer close(d.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				d.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the dispatcher and waits for the event in progress.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}

func (d *Dispatcher) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.XXRequest:
		req, ok := evt.Payload.(transport.RequestReceived)
		if !ok || req.Requester.ID == nil {
			return
		}
		if _, err := d.handshakes.Verify(ctx, req); err != nil {
			d.logger.Warn("contact request not accepted", zap.Error(err), zap.Stringer("requester", req.Requester.ID))
		}
	case bus.XXConfirm:
		c, ok := evt.Payload.(transport.ConfirmReceived)
		if !ok || c.Partner == nil {
			return
		}
		if _, err := d.handshakes.HandleConfirmation(ctx, c.Partner); err != nil {
			d.logger.Warn("confirmation not applied", zap.Error(err), zap.Stringer("partner", c.Partner))
		}
	case bus.XXGroupRequest:
		g, ok := evt.Payload.(transport.GroupRequestReceived)
		if !ok {
			return
		}
		if _, err := d.groups.HandleRequest(ctx, g.Group); err != nil {
			d.logger.Error("failed to store group request", zap.Error(err))
		}
	case bus.XXMessage:
		m, ok := evt.Payload.(transport.MessageReceived)
		if !ok {
			return
		}
		if _, err := d.messages.Receive(ctx, m); err != nil {
			d.logger.Error("failed to ingest message", zap.Error(err), zap.Binary("network_id", m.NetworkID))
		}
	case bus.XXTransfer:
		p, ok := evt.Payload.(transport.TransferProgress)
		if !ok {
			return
		}
		if _, err := d.messages.UpdateTransfer(ctx, p); err != nil {
			d.logger.Warn("transfer progress not applied", zap.Error(err), zap.Binary("transfer", p.TransferID))
		}
	default:
		d.logger.Debug("unhandled inbound event", zap.String("kind", evt.Kind))
	}
}
