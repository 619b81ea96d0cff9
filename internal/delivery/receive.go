package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/xxmessenger/courier/internal/bus"
	"github.com/xxmessenger/courier/internal/store"
	"github.com/xxmessenger/courier/internal/transport"
	"go.uber.org/zap"
)

// Receive stores an incoming message. Redelivered messages are recognised
// by their network id and returned unchanged. File-bearing messages start in
// receiving and follow their transfer.
func (t *Tracker) Receive(_ context.Context, in transport.MessageReceived) (*store.Message, error) {
	if in.Sender == nil || len(in.NetworkID) == 0 {
		return nil, fmt.Errorf("receive: message without sender or network id")
	}
	existing, err := t.db.GetMessageByNetworkID(in.NetworkID)
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	payload, err := DecodePayload(in.Payload)
	if err != nil {
		return nil, err
	}

	msg := &store.Message{
		NetworkID:      in.NetworkID,
		SenderID:       in.Sender,
		GroupID:        in.GroupID,
		Date:           in.Timestamp.UnixMilli(),
		Status:         store.Received,
		Text:           payload.Text,
		ReplyMessageID: payload.ReplyTo,
		RoundID:        uint64(in.Round.ID),
		RoundURL:       in.Round.URL,
		IsUnread:       true,
	}
	if in.GroupID == nil {
		msg.RecipientID = t.self
	}
	if payload.File != nil {
		if err := t.db.SaveFileTransfer(&store.FileTransfer{
			ID:         payload.File.ID,
			ContactID:  in.Sender,
			Name:       payload.File.Name,
			Type:       payload.File.Type,
			IsIncoming: true,
			CreatedAt:  msg.Date,
		}); err != nil {
			return nil, fmt.Errorf("save file transfer: %w", err)
		}
		msg.Status = store.Receiving
		msg.FileTransferID = payload.File.ID
	}

	if err := t.db.InsertMessage(msg); err != nil {
		// A concurrent redelivery may have won the unique network id.
		if dup, _ := t.db.GetMessageByNetworkID(in.NetworkID); dup != nil {
			return dup, nil
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}
	t.logger.Info("message received", zap.Int64("message", msg.ID), zap.Stringer("sender", in.Sender),
		zap.Bool("group", msg.IsGroup()))
	t.bus.Emit(bus.MessageUpserted, msg.ID)
	return msg, nil
}

// UpdateTransfer applies transfer progress. When an incoming transfer ends,
// its message moves to received or receivingFailed; a failed outgoing
// transfer fails its message.
func (t *Tracker) UpdateTransfer(_ context.Context, p transport.TransferProgress) (*store.FileTransfer, error) {
	ft, err := t.db.UpdateTransferProgress(p.TransferID, p.Progress, p.Failed)
	if errors.Is(err, store.ErrSkipUpdate) {
		return ft, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update transfer: %w", err)
	}
	if ft == nil {
		return nil, fmt.Errorf("update transfer %x: %w", p.TransferID, ErrNotFound)
	}
	if !ft.Done() {
		return ft, nil
	}

	msgs, err := t.db.FetchMessages(store.MessageQuery{FileTransferID: ft.ID})
	if err != nil {
		return ft, fmt.Errorf("update transfer: %w", err)
	}
	for _, m := range msgs {
		switch {
		case ft.IsIncoming && m.Status == store.Receiving:
			to := store.Received
			if ft.Failed {
				to = store.ReceivingFailed
			}
			t.settleReceive(m.ID, to)
		case !ft.IsIncoming && ft.Failed && m.Status == store.Sending:
			t.finish(m.ID, m.Attempt, store.SendingFailed)
		}
	}
	return ft, nil
}

func (t *Tracker) settleReceive(mid int64, to store.MessageStatus) {
	msg, err := t.db.UpdateMessage(mid, func(m *store.Message) error {
		if m.Status != store.Receiving {
			return store.ErrSkipUpdate
		}
		m.Status = to
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrSkipUpdate) {
		t.logger.Error("failed to persist receive status", zap.Error(err), zap.Int64("message", mid))
		return
	}
	if msg != nil {
		t.emitStatus(msg)
	}
}
