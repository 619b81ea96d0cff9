package delivery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xxmessenger/courier/internal/bus"
	"github.com/xxmessenger/courier/internal/metrics"
	"github.com/xxmessenger/courier/internal/store"
	"github.com/xxmessenger/courier/internal/transport"
	"github.com/xxmessenger/courier/internal/transport/sim"
	"gitlab.com/xx_network/primitives/id"
	"go.uber.org/zap"
)

type fixture struct {
	db   *store.DB
	net  *sim.Network
	bus  *bus.Bus
	tr   *Tracker
	self *id.ID
}

func setup(t *testing.T, roundTimeout time.Duration) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	self, err := sim.NewIdentity("me")
	require.NoError(t, err)
	b := bus.New()
	n := sim.New(self, b)
	return &fixture{
		db:   db,
		net:  n,
		bus:  b,
		tr:   New(db, n, self.ID, roundTimeout, b, metrics.New(), zap.NewNop()),
		self: self.ID,
	}
}

func (f *fixture) message(t *testing.T, mid int64) *store.Message {
	t.Helper()
	m, err := f.db.GetMessage(mid)
	require.NoError(t, err)
	require.NotNil(t, m)
	return m
}

// awaitRound waits until the given attempt of a message has a round.
func (f *fixture) awaitRound(t *testing.T, mid int64, attempt int) id.Round {
	t.Helper()
	var round uint64
	require.Eventually(t, func() bool {
		m, err := f.db.GetMessage(mid)
		if err != nil || m == nil || m.Attempt != attempt {
			return false
		}
		round = m.RoundID
		return round != 0
	}, 2*time.Second, 5*time.Millisecond)
	return id.Round(round)
}

func TestSendDelivered(t *testing.T) {
	f := setup(t, time.Minute)
	f.net.SetPolicy(sim.Policy{HoldRounds: true})
	bob := id.NewIdFromString("bob", id.User, t)

	msg, err := f.tr.Send(context.Background(), "hello", Target{Recipient: bob}, SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.Sending, msg.Status)
	assert.NotZero(t, msg.ID)

	stored := f.message(t, msg.ID)
	assert.Equal(t, store.Sending, stored.Status)
	assert.Equal(t, "hello", stored.Text)

	round := f.awaitRound(t, msg.ID, 1)
	f.net.ResolveRound(round, transport.RoundOutcome{Delivered: true})
	f.tr.Wait()

	done := f.message(t, msg.ID)
	assert.Equal(t, store.Sent, done.Status)
	assert.NotEmpty(t, done.NetworkID)
	assert.NotEmpty(t, done.RoundURL)
}

func TestSendRejectsInvalidTarget(t *testing.T) {
	f := setup(t, time.Minute)
	_, err := f.tr.Send(context.Background(), "x", Target{}, SendOptions{})
	assert.ErrorIs(t, err, ErrInvalidTarget)

	both := Target{Recipient: id.NewIdFromString("a", id.User, t), Group: id.NewIdFromString("g", id.Group, t)}
	_, err = f.tr.Send(context.Background(), "x", both, SendOptions{})
	assert.ErrorIs(t, err, ErrInvalidTarget)

	n, err := f.db.MessageCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendRejectsInvalidUTF8(t *testing.T) {
	f := setup(t, time.Minute)
	to := Target{Recipient: id.NewIdFromString("a", id.User, t)}

	_, err := f.tr.Send(context.Background(), "caf\xe9", to, SendOptions{})
	assert.ErrorIs(t, err, ErrInvalidText)

	file := &FileInfo{ID: []byte("ft"), Name: "\xff.png", Type: "image/png"}
	_, err = f.tr.Send(context.Background(), "photo", to, SendOptions{File: file})
	assert.ErrorIs(t, err, ErrInvalidText)

	n, err := f.db.MessageCount()
	require.NoError(t, err)
	assert.Zero(t, n)
	ft, err := f.db.GetFileTransfer([]byte("ft"))
	require.NoError(t, err)
	assert.Nil(t, ft)

	_, err = EncodePayload(Payload{Text: "caf\xe9"})
	assert.Error(t, err)
}

func TestSendTransportFailure(t *testing.T) {
	f := setup(t, time.Minute)
	f.net.SetPolicy(sim.Policy{FailSends: true})

	msg, err := f.tr.Send(context.Background(), "hello", Target{Recipient: id.NewIdFromString("bob", id.User, t)}, SendOptions{})
	require.NoError(t, err)
	f.tr.Wait()
	assert.Equal(t, store.SendingFailed, f.message(t, msg.ID).Status)
}

func TestRoundOutcomeMapping(t *testing.T) {
	tests := []struct {
		name    string
		group   bool
		outcome transport.RoundOutcome
		want    store.MessageStatus
	}{
		{"direct delivered", false, transport.RoundOutcome{Delivered: true}, store.Sent},
		{"direct timed out", false, transport.RoundOutcome{TimedOut: true}, store.SendingTimedOut},
		{"direct failed", false, transport.RoundOutcome{}, store.SendingFailed},
		{"group delivered", true, transport.RoundOutcome{Delivered: true}, store.Sent},
		{"group timed out", true, transport.RoundOutcome{TimedOut: true}, store.SendingFailed},
		{"group failed", true, transport.RoundOutcome{}, store.SendingFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, time.Minute)
			f.net.SetPolicy(sim.Policy{Outcome: tt.outcome})
			to := Target{Recipient: id.NewIdFromString("bob", id.User, t)}
			if tt.group {
				to = Target{Group: id.NewIdFromString("g", id.Group, t)}
			}

			msg, err := f.tr.Send(context.Background(), "hi", to, SendOptions{})
			require.NoError(t, err)
			f.tr.Wait()
			assert.Equal(t, tt.want, f.message(t, msg.ID).Status)
		})
	}
}

func TestHeldRoundTimesOut(t *testing.T) {
	f := setup(t, 20*time.Millisecond)
	f.net.SetPolicy(sim.Policy{HoldRounds: true})

	msg, err := f.tr.Send(context.Background(), "hi", Target{Recipient: id.NewIdFromString("bob", id.User, t)}, SendOptions{})
	require.NoError(t, err)
	f.tr.Wait()
	assert.Equal(t, store.SendingTimedOut, f.message(t, msg.ID).Status)
}

func TestRetry(t *testing.T) {
	f := setup(t, time.Minute)
	f.net.SetPolicy(sim.Policy{FailSends: true})
	msg, err := f.tr.Send(context.Background(), "again", Target{Recipient: id.NewIdFromString("bob", id.User, t)}, SendOptions{})
	require.NoError(t, err)
	f.tr.Wait()
	require.Equal(t, store.SendingFailed, f.message(t, msg.ID).Status)

	f.net.SetPolicy(sim.Policy{Outcome: transport.RoundOutcome{Delivered: true}})
	retried, err := f.tr.Retry(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.Sending, retried.Status)
	assert.Equal(t, 2, retried.Attempt)
	f.tr.Wait()

	done := f.message(t, msg.ID)
	assert.Equal(t, store.Sent, done.Status)
	assert.Equal(t, 2, f.net.Calls().Send)

	_, err = f.tr.Retry(context.Background(), msg.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)
	_, err = f.tr.Retry(context.Background(), 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStaleRoundOutcomeIgnoredAfterRetry(t *testing.T) {
	f := setup(t, time.Minute)
	f.net.SetPolicy(sim.Policy{HoldRounds: true})
	msg, err := f.tr.Send(context.Background(), "race", Target{Recipient: id.NewIdFromString("bob", id.User, t)}, SendOptions{})
	require.NoError(t, err)
	first := f.awaitRound(t, msg.ID, 1)

	// The first attempt is given up on while its round is still open.
	_, err = f.db.UpdateMessage(msg.ID, func(m *store.Message) error {
		m.Status = store.SendingTimedOut
		return nil
	})
	require.NoError(t, err)
	_, err = f.tr.Retry(context.Background(), msg.ID)
	require.NoError(t, err)
	second := f.awaitRound(t, msg.ID, 2)
	require.NotEqual(t, first, second)

	f.net.ResolveRound(first, transport.RoundOutcome{})
	require.Never(t, func() bool {
		m, err := f.db.GetMessage(msg.ID)
		return err != nil || m.Status != store.Sending
	}, 50*time.Millisecond, 5*time.Millisecond)

	f.net.ResolveRound(second, transport.RoundOutcome{Delivered: true})
	f.tr.Wait()
	assert.Equal(t, store.Sent, f.message(t, msg.ID).Status)
}

func TestRewatch(t *testing.T) {
	f := setup(t, time.Minute)
	f.net.SetPolicy(sim.Policy{HoldRounds: true})
	bob := id.NewIdFromString("bob", id.User, t)

	lost := &store.Message{SenderID: f.self, RecipientID: bob, Status: store.Sending, Date: 1}
	tracked := &store.Message{SenderID: f.self, RecipientID: bob, Status: store.Sending, Date: 2, RoundID: 77}
	require.NoError(t, f.db.InsertMessage(lost))
	require.NoError(t, f.db.InsertMessage(tracked))

	f.tr.Rewatch(*lost)
	f.tr.Rewatch(*tracked)
	f.net.ResolveRound(77, transport.RoundOutcome{Delivered: true})
	f.tr.Wait()

	assert.Equal(t, store.SendingFailed, f.message(t, lost.ID).Status)
	assert.Equal(t, store.Sent, f.message(t, tracked.ID).Status)
}

func TestReceive(t *testing.T) {
	f := setup(t, time.Minute)
	alice := id.NewIdFromString("alice", id.User, t)
	payload, err := EncodePayload(Payload{Text: "hey", ReplyTo: []byte("m0")})
	require.NoError(t, err)

	in := transport.MessageReceived{
		NetworkID: []byte("net-1"),
		Sender:    alice,
		Payload:   payload,
		Timestamp: time.UnixMilli(1000),
		Round:     transport.RoundRef{ID: 5},
	}
	msg, err := f.tr.Receive(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, store.Received, msg.Status)
	assert.True(t, msg.RecipientID.Cmp(f.self))
	assert.True(t, msg.IsUnread)
	assert.Equal(t, []byte("m0"), msg.ReplyMessageID)

	dup, err := f.tr.Receive(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, dup.ID)
	n, _ := f.db.MessageCount()
	assert.Equal(t, int64(1), n)

	group := id.NewIdFromString("g", id.Group, t)
	in.NetworkID, in.GroupID = []byte("net-2"), group
	gmsg, err := f.tr.Receive(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, gmsg.RecipientID)
	assert.True(t, gmsg.GroupID.Cmp(group))
}

func TestReceiveFileFollowsTransfer(t *testing.T) {
	tests := []struct {
		name   string
		failed bool
		want   store.MessageStatus
	}{
		{"completed", false, store.Received},
		{"failed", true, store.ReceivingFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, time.Minute)
			payload, err := EncodePayload(Payload{Text: "photo", File: &FileInfo{ID: []byte("ft-1"), Name: "cat.png", Type: "image/png"}})
			require.NoError(t, err)

			msg, err := f.tr.Receive(context.Background(), transport.MessageReceived{
				NetworkID: []byte("net-f"), Sender: id.NewIdFromString("alice", id.User, t),
				Payload: payload, Timestamp: time.Now(),
			})
			require.NoError(t, err)
			assert.Equal(t, store.Receiving, msg.Status)

			ft, err := f.tr.UpdateTransfer(context.Background(), transport.TransferProgress{TransferID: []byte("ft-1"), Progress: 0.5})
			require.NoError(t, err)
			assert.Equal(t, 0.5, ft.Progress)
			assert.Equal(t, store.Receiving, f.message(t, msg.ID).Status)

			progress := 1.0
			if tt.failed {
				progress = 0.6
			}
			_, err = f.tr.UpdateTransfer(context.Background(), transport.TransferProgress{TransferID: []byte("ft-1"), Progress: progress, Failed: tt.failed})
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.message(t, msg.ID).Status)

			// Progress after the end is ignored.
			ft, err = f.tr.UpdateTransfer(context.Background(), transport.TransferProgress{TransferID: []byte("ft-1"), Progress: 0.1})
			require.NoError(t, err)
			assert.True(t, ft.Done())
		})
	}
}

func TestOutgoingTransferFailureFailsMessage(t *testing.T) {
	f := setup(t, time.Minute)
	f.net.SetPolicy(sim.Policy{HoldRounds: true})

	msg, err := f.tr.Send(context.Background(), "doc", Target{Recipient: id.NewIdFromString("bob", id.User, t)},
		SendOptions{File: &FileInfo{ID: []byte("up-1"), Name: "a.pdf"}})
	require.NoError(t, err)
	round := f.awaitRound(t, msg.ID, 1)

	_, err = f.tr.UpdateTransfer(context.Background(), transport.TransferProgress{TransferID: []byte("up-1"), Progress: 0.2, Failed: true})
	require.NoError(t, err)
	assert.Equal(t, store.SendingFailed, f.message(t, msg.ID).Status)

	// The late round outcome does not overwrite the failure.
	f.net.ResolveRound(round, transport.RoundOutcome{Delivered: true})
	f.tr.Wait()
	assert.Equal(t, store.SendingFailed, f.message(t, msg.ID).Status)
}

func TestUpdateUnknownTransfer(t *testing.T) {
	f := setup(t, time.Minute)
	_, err := f.tr.UpdateTransfer(context.Background(), transport.TransferProgress{TransferID: []byte("nope"), Progress: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	_, err := DecodePayload([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}
