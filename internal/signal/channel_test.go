package signal

import (
	"sync"
	"testing"
	"time"

	"github.com/rahmat-aldi/vicara/internal/store"
)

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) record(m Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) at(i int) Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[i]
}

func TestSubscribeFiltersSelfAndMisdirected(t *testing.T) {
	hub := store.NewHub()
	defer hub.Close()
	ch := NewChannel(hub.Client())

	var rec recorder
	stop, err := ch.Subscribe("abc123", "u_bb2222", rec.record)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	// Own message: must never be processed, whatever the type.
	if _, err := ch.Post("abc123", Message{Type: TypePresence, From: "u_bb2222"}); err != nil {
		t.Fatalf("post: %v", err)
	}
	// Directed elsewhere: consumer-side filtering.
	if _, err := ch.Post("abc123", Message{
		Type: TypeOffer, From: "u_aa1111", To: "u_cc3333",
		SDP: &Description{Type: "offer", SDP: "v=0"},
	}); err != nil {
		t.Fatalf("post: %v", err)
	}
	// Directed to self: delivered.
	if _, err := ch.Post("abc123", Message{
		Type: TypeOffer, From: "u_aa1111", To: "u_bb2222",
		SDP: &Description{Type: "offer", SDP: "v=0"},
	}); err != nil {
		t.Fatalf("post: %v", err)
	}

	waitUntil(t, func() bool { return rec.len() == 1 }, "one delivered message")
	got := rec.at(0)
	if got.Type != TypeOffer || got.From != "u_aa1111" {
		t.Fatalf("unexpected message: %+v", got)
	}
	if got.Key == "" {
		t.Fatalf("expected entry key on delivered message")
	}
}

func TestSubscribeDeliversBacklogInOrder(t *testing.T) {
	hub := store.NewHub()
	defer hub.Close()
	ch := NewChannel(hub.Client())

	// A late joiner must still see pending messages.
	if _, err := ch.Post("abc123", Message{Type: TypePresence, From: "u_aa1111"}); err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := ch.Post("abc123", Message{Type: TypeRoomDeleted, From: "admin"}); err != nil {
		t.Fatalf("post: %v", err)
	}

	var rec recorder
	stop, err := ch.Subscribe("abc123", "u_bb2222", rec.record)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	waitUntil(t, func() bool { return rec.len() == 2 }, "backlog")
	if rec.at(0).Type != TypePresence || rec.at(1).Type != TypeRoomDeleted {
		t.Fatalf("backlog out of order: %+v, %+v", rec.at(0), rec.at(1))
	}
}

func TestPostStampsMonotonicTime(t *testing.T) {
	hub := store.NewHub()
	defer hub.Close()
	ch := NewChannel(hub.Client())

	// Clock that steps backwards between calls.
	times := []time.Time{
		time.UnixMilli(2000),
		time.UnixMilli(1000),
	}
	i := 0
	ch.now = func() time.Time {
		ts := times[i%len(times)]
		i++
		return ts
	}

	var rec recorder
	stop, err := ch.Subscribe("r", "observer", rec.record)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	for j := 0; j < 2; j++ {
		if _, err := ch.Post("r", Message{Type: TypePresence, From: "u_aa1111"}); err != nil {
			t.Fatalf("post: %v", err)
		}
	}
	waitUntil(t, func() bool { return rec.len() == 2 }, "both messages")
	if rec.at(1).SentAt < rec.at(0).SentAt {
		t.Fatalf("enqueue time decreased: %d then %d", rec.at(0).SentAt, rec.at(1).SentAt)
	}
}

func TestRemoveMessage(t *testing.T) {
	hub := store.NewHub()
	defer hub.Close()
	ch := NewChannel(hub.Client())

	var rec recorder
	stop, err := ch.Subscribe("r", "u_bb2222", rec.record)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	stop()

	if _, err := ch.Post("r", Message{Type: TypePresence, From: "u_aa1111"}); err != nil {
		t.Fatalf("post: %v", err)
	}

	var rec2 recorder
	stop2, err := ch.Subscribe("r", "u_bb2222", rec2.record)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitUntil(t, func() bool { return rec2.len() == 1 }, "message")
	stop2()

	if err := ch.Remove("r", rec2.at(0).Key); err != nil {
		t.Fatalf("remove: %v", err)
	}

	// A fresh subscriber sees no backlog after GC.
	var rec3 recorder
	stop3, err := ch.Subscribe("r", "u_cc3333", rec3.record)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop3()
	time.Sleep(20 * time.Millisecond)
	if rec3.len() != 0 {
		t.Fatalf("expected empty backlog after removal, got %d", rec3.len())
	}
}
