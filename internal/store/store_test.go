package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gitlab.com/xx_network/primitives/id"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func uid(t *testing.T, name string) *id.ID {
	return id.NewIdFromString(name, id.User, t)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestContactSaveAndGet(t *testing.T) {
	db := testDB(t)
	alice := uid(t, "alice")

	if err := db.SaveContact(&Contact{ID: alice, Username: "alice", Marshaled: []byte("blob"), CreatedAt: 10}); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetContact(alice)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("contact not found")
	}
	if !c.ID.Cmp(alice) || c.Username != "alice" || string(c.Marshaled) != "blob" {
		t.Errorf("got %+v", c)
	}
	if c.AuthStatus != Stranger {
		t.Errorf("auth status = %q, want stranger default", c.AuthStatus)
	}

	missing, err := db.GetContact(uid(t, "nobody"))
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for missing contact")
	}
}

func TestUpdateContactReadModifyWrite(t *testing.T) {
	db := testDB(t)
	alice := uid(t, "alice")
	if err := db.SaveContact(&Contact{ID: alice, Username: "alice", AuthStatus: Requesting}); err != nil {
		t.Fatal(err)
	}

	updated, err := db.UpdateContact(alice, func(c *Contact) error {
		c.AuthStatus = Requested
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.AuthStatus != Requested {
		t.Errorf("status = %q, want requested", updated.AuthStatus)
	}

	// A skipped update leaves the row alone.
	_, err = db.UpdateContact(alice, func(c *Contact) error {
		c.AuthStatus = Friend
		return ErrSkipUpdate
	})
	if !errors.Is(err, ErrSkipUpdate) {
		t.Fatalf("err = %v, want ErrSkipUpdate", err)
	}
	c, _ := db.GetContact(alice)
	if c.AuthStatus != Requested {
		t.Errorf("status = %q after skip, want requested", c.AuthStatus)
	}

	// Missing rows are reported as nil without calling fn.
	called := false
	got, err := db.UpdateContact(uid(t, "ghost"), func(*Contact) error {
		called = true
		return nil
	})
	if err != nil || got != nil || called {
		t.Errorf("missing contact: got %v, err %v, called %v", got, err, called)
	}
}

func TestBulkUpdateContactStatus(t *testing.T) {
	db := testDB(t)
	for _, c := range []Contact{
		{ID: uid(t, "a"), AuthStatus: Requesting},
		{ID: uid(t, "b"), AuthStatus: Requesting},
		{ID: uid(t, "c"), AuthStatus: Friend},
	} {
		c := c
		if err := db.SaveContact(&c); err != nil {
			t.Fatal(err)
		}
	}

	n, err := db.BulkUpdateContactStatus(Requesting, RequestFailed)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("updated %d rows, want 2", n)
	}
	failed, err := db.FetchContacts(ContactQuery{AuthStatus: []AuthStatus{RequestFailed}})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 2 {
		t.Errorf("got %d requestFailed contacts, want 2", len(failed))
	}
	friends, _ := db.ContactCount(Friend)
	if friends != 1 {
		t.Errorf("friend count = %d, want 1", friends)
	}
}

func TestFetchContactsByIDs(t *testing.T) {
	db := testDB(t)
	a, b, c := uid(t, "a"), uid(t, "b"), uid(t, "c")
	for _, x := range []*id.ID{a, b, c} {
		if err := db.SaveContact(&Contact{ID: x}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := db.FetchContacts(ContactQuery{IDs: []*id.ID{a, c}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d contacts, want 2", len(got))
	}
}

func TestMessageRequiresExactlyOneTarget(t *testing.T) {
	db := testDB(t)
	me, bob := uid(t, "me"), uid(t, "bob")
	group := id.NewIdFromString("g", id.Group, t)

	if err := db.InsertMessage(&Message{SenderID: me, Status: Sending}); err == nil {
		t.Error("message without target should be rejected")
	}
	if err := db.InsertMessage(&Message{SenderID: me, RecipientID: bob, GroupID: group, Status: Sending}); err == nil {
		t.Error("message with both targets should be rejected")
	}
	m := &Message{SenderID: me, RecipientID: bob, Status: Sending, Text: "hi", Date: 1}
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if m.ID == 0 || m.Attempt != 1 {
		t.Errorf("id = %d attempt = %d, want assigned id and attempt 1", m.ID, m.Attempt)
	}
}

func TestUpdateMessageAndConversationQuery(t *testing.T) {
	db := testDB(t)
	me, bob, carol := uid(t, "me"), uid(t, "bob"), uid(t, "carol")

	out := &Message{SenderID: me, RecipientID: bob, Status: Sending, Text: "hello", Date: 1}
	in := &Message{SenderID: bob, RecipientID: me, Status: Received, Text: "hey", Date: 2, NetworkID: []byte("n2")}
	other := &Message{SenderID: me, RecipientID: carol, Status: Sent, Text: "yo", Date: 3}
	for _, m := range []*Message{out, in, other} {
		if err := db.InsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := db.UpdateMessage(out.ID, func(m *Message) error {
		m.Status = Sent
		m.NetworkID = []byte("n1")
		m.RoundID = 42
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage(out.ID)
	if got.Status != Sent || got.RoundID != 42 || string(got.NetworkID) != "n1" {
		t.Errorf("after update: %+v", got)
	}

	byNet, err := db.GetMessageByNetworkID([]byte("n2"))
	if err != nil || byNet == nil || byNet.ID != in.ID {
		t.Errorf("GetMessageByNetworkID = %v, %v", byNet, err)
	}

	convo, err := db.FetchMessages(MessageQuery{Conversation: bob})
	if err != nil {
		t.Fatal(err)
	}
	if len(convo) != 2 {
		t.Fatalf("conversation with bob has %d messages, want 2", len(convo))
	}
	if convo[0].Text != "hey" {
		t.Errorf("newest first: got %q", convo[0].Text)
	}

	n, err := db.DeleteMessages(MessageQuery{Conversation: bob})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}
	if _, err := db.DeleteMessages(MessageQuery{}); err == nil {
		t.Error("unfiltered delete should be refused")
	}
}

func TestSendingMessagesSkipsCompletedTransfers(t *testing.T) {
	db := testDB(t)
	me, bob := uid(t, "me"), uid(t, "bob")

	if err := db.SaveFileTransfer(&FileTransfer{ID: []byte("t-done"), ContactID: bob}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveFileTransfer(&FileTransfer{ID: []byte("t-open"), ContactID: bob}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpdateTransferProgress([]byte("t-done"), 1, false); err != nil {
		t.Fatal(err)
	}

	for _, m := range []*Message{
		{SenderID: me, RecipientID: bob, Status: Sending, Text: "plain", Date: 1},
		{SenderID: me, RecipientID: bob, Status: Sending, Text: "open", FileTransferID: []byte("t-open"), Date: 2},
		{SenderID: me, RecipientID: bob, Status: Sending, Text: "done", FileTransferID: []byte("t-done"), Date: 3},
		{SenderID: me, RecipientID: bob, Status: Sent, Text: "sent", Date: 4},
	} {
		if err := db.InsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.SendingMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Text != "plain" || msgs[1].Text != "open" {
		t.Errorf("got %+v, want plain and open", msgs)
	}
}

func TestTransferProgressIsMonotonic(t *testing.T) {
	db := testDB(t)
	tid := []byte("t1")
	if err := db.SaveFileTransfer(&FileTransfer{ID: tid, ContactID: uid(t, "bob"), Name: "cat.png"}); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		progress float64
		failed   bool
		want     float64
		wantSkip bool
	}{
		{0.4, false, 0.4, false},
		{0.2, false, 0.4, false},
		{0.9, false, 0.9, false},
		{1.5, false, 1, false},
		{0.1, true, 1, true},
	}
	for i, s := range steps {
		ft, err := db.UpdateTransferProgress(tid, s.progress, s.failed)
		if s.wantSkip != errors.Is(err, ErrSkipUpdate) {
			t.Fatalf("step %d: err = %v, wantSkip %v", i, err, s.wantSkip)
		}
		if ft.Progress != s.want {
			t.Errorf("step %d: progress = %v, want %v", i, ft.Progress, s.want)
		}
	}
}

func TestGroupMembersAndDelete(t *testing.T) {
	db := testDB(t)
	gid := id.NewIdFromString("g", id.Group, t)
	leader, x := uid(t, "leader"), uid(t, "x")

	if err := db.SaveGroup(&Group{ID: gid, Name: "G", LeaderID: leader, AuthStatus: GroupPending, CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveGroupMember(&GroupMember{GroupID: gid, ContactID: x, Status: MemberPendingUsername, Username: "Fetching..."}); err != nil {
		t.Fatal(err)
	}
	pending, err := db.FetchGroupMembers(MemberQuery{Status: []MemberStatus{MemberPendingUsername}})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending members, want 1", len(pending))
	}

	n, err := db.ResolveMember(x, "xavier")
	if err != nil || n != 1 {
		t.Fatalf("ResolveMember = %d, %v", n, err)
	}
	members, _ := db.FetchGroupMembers(MemberQuery{GroupID: gid})
	if members[0].Status != MemberUsernameSet || members[0].Username != "xavier" {
		t.Errorf("member = %+v", members[0])
	}

	if err := db.InsertMessage(&Message{SenderID: leader, GroupID: gid, Status: Received, Date: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteGroup(gid); err != nil {
		t.Fatal(err)
	}
	g, _ := db.GetGroup(gid)
	if g != nil {
		t.Error("group still present after delete")
	}
	left, _ := db.FetchMessages(MessageQuery{GroupID: gid})
	if len(left) != 0 {
		t.Errorf("%d group messages left after delete", len(left))
	}
}

func TestHandshakeOutbox(t *testing.T) {
	db := testDB(t)
	alice := uid(t, "alice")

	if err := db.BeginHandshake(alice, HandshakeRequest); err != nil {
		t.Fatal(err)
	}
	queued, _ := db.QueuedHandshakes()
	if len(queued) != 0 {
		t.Errorf("in-flight entry should not be queued yet")
	}

	n, err := db.RequeueInFlightHandshakes()
	if err != nil || n != 1 {
		t.Fatalf("RequeueInFlightHandshakes = %d, %v", n, err)
	}
	queued, err = db.QueuedHandshakes()
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].Kind != HandshakeRequest || !queued[0].ContactID.Cmp(alice) {
		t.Fatalf("queued = %+v", queued)
	}

	if err := db.BeginHandshake(alice, HandshakeRequest); err != nil {
		t.Fatal(err)
	}
	if err := db.FinishHandshake(alice, HandshakeRequest, nil); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.RequeueInFlightHandshakes(); n != 0 {
		t.Errorf("finished entry was requeued")
	}
}

func TestSubscribeContactsReplaysThenUpdates(t *testing.T) {
	db := testDB(t)
	alice := uid(t, "alice")
	if err := db.SaveContact(&Contact{ID: alice, AuthStatus: Requesting}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := db.SubscribeContacts(ctx, ContactQuery{IDs: []*id.ID{alice}})
	if err != nil {
		t.Fatal(err)
	}

	next := func() []Contact {
		t.Helper()
		select {
		case rows := <-ch:
			return rows
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for subscription")
			return nil
		}
	}

	first := next()
	if len(first) != 1 || first[0].AuthStatus != Requesting {
		t.Fatalf("initial value = %+v", first)
	}

	if _, err := db.UpdateContact(alice, func(c *Contact) error {
		c.AuthStatus = Requested
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	second := next()
	if second[0].AuthStatus != Requested {
		t.Errorf("update = %q, want requested", second[0].AuthStatus)
	}

	cancel()
	for range ch {
	}
}

func TestUpsertContactCreatesMissingRow(t *testing.T) {
	db := testDB(t)
	bob := uid(t, "bob")

	c, err := db.UpsertContact(bob, func(c *Contact, found bool) error {
		if found {
			t.Error("found = true for a new contact")
		}
		c.Username = "bob"
		c.AuthStatus = Requesting
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.CreatedAt == 0 {
		t.Error("created_at not set on insert")
	}

	_, err = db.UpsertContact(bob, func(c *Contact, found bool) error {
		if !found || c.AuthStatus != Requesting {
			t.Errorf("second upsert saw found=%v status=%q", found, c.AuthStatus)
		}
		return ErrSkipUpdate
	})
	if !errors.Is(err, ErrSkipUpdate) {
		t.Errorf("err = %v, want ErrSkipUpdate", err)
	}
}
