// Package delivery tracks outgoing messages from the optimistic local echo
// to a terminal delivery status, and ingests incoming messages and file
// transfer progress.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/xxmessenger/courier/internal/bus"
	"github.com/xxmessenger/courier/internal/metrics"
	"github.com/xxmessenger/courier/internal/store"
	"github.com/xxmessenger/courier/internal/transport"
	"gitlab.com/xx_network/primitives/id"
	"go.uber.org/zap"
)

// DefaultRoundTimeout bounds how long a round outcome is awaited.
const DefaultRoundTimeout = 30 * time.Second

// Target names where a message goes. Exactly one field must be set.
type Target struct {
	Recipient *id.ID
	Group     *id.ID
}

func (t Target) valid() bool {
	return (t.Recipient == nil) != (t.Group == nil)
}

// SendOptions carries the optional parts of an outgoing message.
type SendOptions struct {
	ReplyTo []byte
	File    *FileInfo
}

// StatusChange is the payload of bus.MessageStatusChanged events.
type StatusChange struct {
	MessageID int64
	Attempt   int
	Status    store.MessageStatus
}

// Tracker is the message delivery tracker.
type Tracker struct {
	db           *store.DB
	net          transport.Messaging
	self         *id.ID
	roundTimeout time.Duration
	bus          *bus.Bus
	metrics      *metrics.Metrics
	logger       *zap.Logger
	wg           sync.WaitGroup
}

// New creates a tracker sending as self. A zero roundTimeout uses
// DefaultRoundTimeout.
func New(db *store.DB, net transport.Messaging, self *id.ID, roundTimeout time.Duration, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if roundTimeout <= 0 {
		roundTimeout = DefaultRoundTimeout
	}
	return &Tracker{
		db:           db,
		net:          net,
		self:         self,
		roundTimeout: roundTimeout,
		bus:          b,
		metrics:      m,
		logger:       logger.Named("delivery"),
	}
}

// Wait blocks until every in-flight send and round watcher has finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) spawn(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

// Send stores text as a sending message and hands it to the network in the
// background. The returned message is the local echo.
func (t *Tracker) Send(ctx context.Context, text string, to Target, opts SendOptions) (*store.Message, error) {
	if !to.valid() {
		return nil, ErrInvalidTarget
	}
	if !utf8.ValidString(text) {
		return nil, ErrInvalidText
	}
	if f := opts.File; f != nil && !(utf8.ValidString(f.Name) && utf8.ValidString(f.Type)) {
		return nil, ErrInvalidText
	}

	msg := &store.Message{
		SenderID:       t.self,
		RecipientID:    to.Recipient,
		GroupID:        to.Group,
		Date:           time.Now().UnixMilli(),
		Status:         store.Sending,
		Text:           text,
		ReplyMessageID: opts.ReplyTo,
	}
	if opts.File != nil {
		contact := to.Recipient
		if contact == nil {
			contact = to.Group
		}
		if err := t.db.SaveFileTransfer(&store.FileTransfer{
			ID:        opts.File.ID,
			ContactID: contact,
			Name:      opts.File.Name,
			Type:      opts.File.Type,
			CreatedAt: msg.Date,
		}); err != nil {
			return nil, fmt.Errorf("save file transfer: %w", err)
		}
		msg.FileTransferID = opts.File.ID
	}
	if err := t.db.InsertMessage(msg); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	t.bus.Emit(bus.MessageUpserted, msg.ID)

	t.dispatch(ctx, *msg, opts.File)
	return msg, nil
}

// Retry re-sends a message that ended in sendingFailed or sendingTimedOut.
// The message gets a new attempt number; outcomes of earlier attempts are
// ignored from then on.
func (t *Tracker) Retry(ctx context.Context, mid int64) (*store.Message, error) {
	msg, err := t.db.UpdateMessage(mid, func(m *store.Message) error {
		if !Retryable(m.Status) {
			return fmt.Errorf("retry message %d (%s): %w", mid, m.Status, ErrNotRetryable)
		}
		m.Status = store.Sending
		m.Date = time.Now().UnixMilli()
		m.Attempt++
		m.NetworkID = nil
		m.RoundID = 0
		m.RoundURL = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("retry message %d: %w", mid, ErrNotFound)
	}
	t.emitStatus(msg)

	var file *FileInfo
	if len(msg.FileTransferID) > 0 {
		ft, err := t.db.GetFileTransfer(msg.FileTransferID)
		if err != nil {
			t.logger.Error("failed to load file transfer", zap.Error(err), zap.Int64("message", mid))
		} else if ft != nil {
			file = &FileInfo{ID: ft.ID, Name: ft.Name, Type: ft.Type}
		}
	}
	t.dispatch(ctx, *msg, file)
	return msg, nil
}

// dispatch sends one attempt of msg in the background and starts watching
// its round.
func (t *Tracker) dispatch(ctx context.Context, msg store.Message, file *FileInfo) {
	ctx = context.WithoutCancel(ctx)
	t.spawn(func() {
		payload, err := EncodePayload(Payload{Text: msg.Text, ReplyTo: msg.ReplyMessageID, File: file})
		if err != nil {
			t.logger.Error("failed to encode payload", zap.Error(err), zap.Int64("message", msg.ID))
			t.finish(msg.ID, msg.Attempt, store.SendingFailed)
			return
		}

		var report transport.DeliveryReport
		if msg.IsGroup() {
			report, err = t.net.SendGroup(ctx, payload, msg.GroupID)
		} else {
			report, err = t.net.Send(ctx, payload, msg.RecipientID)
		}
		if err != nil {
			t.logger.Warn("send failed", zap.Error(err), zap.Int64("message", msg.ID))
			t.finish(msg.ID, msg.Attempt, store.SendingFailed)
			return
		}

		updated, err := t.db.UpdateMessage(msg.ID, func(m *store.Message) error {
			if m.Attempt != msg.Attempt || m.Status != store.Sending {
				return store.ErrSkipUpdate
			}
			m.NetworkID = report.NetworkID
			m.Date = report.Timestamp.UnixMilli()
			m.RoundID = uint64(report.Round.ID)
			m.RoundURL = report.Round.URL
			return nil
		})
		switch {
		case errors.Is(err, store.ErrSkipUpdate):
			t.logger.Debug("stale delivery report ignored", zap.Int64("message", msg.ID), zap.Int("attempt", msg.Attempt))
			return
		case err != nil:
			t.logger.Error("failed to persist delivery report", zap.Error(err), zap.Int64("message", msg.ID))
		case updated == nil:
			return
		}
		t.watch(msg.ID, msg.Attempt, report.Round, msg.IsGroup())
	})
}

// watch awaits the outcome of round for one attempt of a message.
func (t *Tracker) watch(mid int64, attempt int, round transport.RoundRef, group bool) {
	outcome := t.net.AwaitRoundOutcome(round, t.roundTimeout)
	t.spawn(func() {
		o := <-outcome
		t.finish(mid, attempt, outcomeStatus(o, group))
	})
}

// outcomeStatus maps a round outcome onto a terminal status. Group rounds
// only distinguish success from failure.
func outcomeStatus(o transport.RoundOutcome, group bool) store.MessageStatus {
	switch {
	case o.Delivered:
		return store.Sent
	case o.TimedOut && !group:
		return store.SendingTimedOut
	default:
		return store.SendingFailed
	}
}

// Rewatch resumes tracking of a message found in sending after a restart.
// A message that never got a round was lost with the previous process and
// is failed so it can be retried.
func (t *Tracker) Rewatch(m store.Message) {
	if m.Status != store.Sending {
		return
	}
	if m.RoundID == 0 {
		t.finish(m.ID, m.Attempt, store.SendingFailed)
		return
	}
	t.watch(m.ID, m.Attempt, transport.RoundRef{ID: id.Round(m.RoundID), URL: m.RoundURL}, m.IsGroup())
}

// finish writes a terminal status for one attempt. Outcomes for an attempt
// other than the current one, or for a message no longer sending, are
// dropped.
func (t *Tracker) finish(mid int64, attempt int, status store.MessageStatus) {
	msg, err := t.db.UpdateMessage(mid, func(m *store.Message) error {
		if m.Attempt != attempt || m.Status != store.Sending {
			return store.ErrSkipUpdate
		}
		m.Status = status
		return nil
	})
	switch {
	case errors.Is(err, store.ErrSkipUpdate):
		t.logger.Debug("stale round outcome ignored", zap.Int64("message", mid), zap.Int("attempt", attempt))
		return
	case err != nil:
		t.logger.Error("failed to persist delivery status", zap.Error(err), zap.Int64("message", mid),
			zap.String("status", string(status)))
		return
	case msg == nil:
		return
	}
	t.metrics.Delivery(string(status))
	t.emitStatus(msg)
}

func (t *Tracker) emitStatus(m *store.Message) {
	t.logger.Info("message status changed", zap.Int64("message", m.ID),
		zap.Int("attempt", m.Attempt), zap.String("status", string(m.Status)))
	t.bus.Emit(bus.MessageStatusChanged, StatusChange{MessageID: m.ID, Attempt: m.Attempt, Status: m.Status})
}

var retryable = []store.MessageStatus{store.SendingFailed, store.SendingTimedOut}

// Retryable reports whether Retry accepts a message in status s.
func Retryable(s store.MessageStatus) bool {
	return slices.Contains(retryable, s)
}
