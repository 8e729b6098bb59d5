package rooms

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rahmat-aldi/vicara/internal/signal"
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

func newRegistry(hub *store.Hub) (*Registry, store.Store) {
	st := hub.Client()
	return NewRegistry(st, signal.NewChannel(st)), st
}

func TestEnsureRoomIsIdempotent(t *testing.T) {
	hub := store.NewHub()
	defer hub.Close()
	reg, st := newRegistry(hub)

	times := []time.Time{time.UnixMilli(1000), time.UnixMilli(2000)}
	i := 0
	reg.now = func() time.Time { ts := times[i%len(times)]; i++; return ts }

	reg.EnsureRoom("abc123")
	first, ok, _ := st.ReadOnce("rooms/abc123/createdAt")
	if !ok {
		t.Fatalf("expected createdAt after ensure")
	}

	// Re-entrant ensure must not clobber the existing timestamp.
	reg.EnsureRoom("abc123")
	second, _, _ := st.ReadOnce("rooms/abc123/createdAt")
	if string(first) != string(second) {
		t.Fatalf("createdAt clobbered: %s then %s", first, second)
	}
}

func TestEnsureRoomConcurrent(t *testing.T) {
	hub := store.NewHub()
	defer hub.Close()
	reg, st := newRegistry(hub)

	var writes int
	var mu sync.Mutex
	reg.now = func() time.Time {
		mu.Lock()
		writes++
		mu.Unlock()
		return time.UnixMilli(1000)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.EnsureRoom("abc123")
		}()
	}
	wg.Wait()

	if _, ok, _ := st.ReadOnce("rooms/abc123/createdAt"); !ok {
		t.Fatalf("expected createdAt after concurrent ensures")
	}
	mu.Lock()
	defer mu.Unlock()
	if writes != 1 {
		t.Fatalf("timestamp written %d times, want 1", writes)
	}
}

func TestJoinAndLeave(t *testing.T) {
	hub := store.NewHub()
	defer hub.Close()
	reg, st := newRegistry(hub)

	reg.Join("abc123", "u_aa1111")
	ts, ok, _ := st.ReadOnce("rooms/abc123/members/u_aa1111")
	if !ok {
		t.Fatalf("expected membership entry after join")
	}
	// The entry is stamped by the store, not the registry's clock.
	var joinedAt int64
	if err := json.Unmarshal(ts, &joinedAt); err != nil || joinedAt <= 0 {
		t.Fatalf("join timestamp %q: %v", ts, err)
	}
	if _, ok, _ := st.ReadOnce("rooms/abc123/createdAt"); !ok {
		t.Fatalf("join must ensure the room record")
	}

	reg.Leave("abc123", "u_aa1111")
	if _, ok, _ := st.ReadOnce("rooms/abc123/members/u_aa1111"); ok {
		t.Fatalf("expected membership entry removed")
	}
	// Membership reaching zero does not delete the room record.
	if _, ok, _ := st.ReadOnce("rooms/abc123/createdAt"); !ok {
		t.Fatalf("room record must survive last leave")
	}

	// Leaving again is not an error.
	reg.Leave("abc123", "u_aa1111")
}

func TestWatchMembersRemoved(t *testing.T) {
	hub := store.NewHub()
	defer hub.Close()
	reg, _ := newRegistry(hub)

	reg.Join("r", "u_aa1111")
	reg.Join("r", "u_bb2222")

	var mu sync.Mutex
	var removed []string
	stop, err := reg.WatchMembersRemoved("r", func(pid string) {
		mu.Lock()
		removed = append(removed, pid)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	reg.Leave("r", "u_aa1111")
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(removed) == 1
	}, "one removal")

	mu.Lock()
	if removed[0] != "u_aa1111" {
		t.Fatalf("wrong participant reported: %v", removed)
	}
	mu.Unlock()

	// Joining someone new must not re-report the old removal.
	reg.Join("r", "u_cc3333")
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(removed) != 1 {
		t.Fatalf("spurious removal events: %v", removed)
	}
}

func TestWatchMembersRemovedOnDisconnect(t *testing.T) {
	hub := store.NewHub()
	defer hub.Close()
	reg, _ := newRegistry(hub)

	otherConn := hub.Client()
	other := NewRegistry(otherConn, signal.NewChannel(otherConn))
	other.Join("r", "u_bb2222")
	reg.Join("r", "u_aa1111")

	var mu sync.Mutex
	var removed []string
	stop, err := reg.WatchMembersRemoved("r", func(pid string) {
		mu.Lock()
		removed = append(removed, pid)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	// Crash: the store's disconnect cleanup removes the entry, no Leave.
	_ = otherConn.Close()
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(removed) == 1 && removed[0] == "u_bb2222"
	}, "disconnect removal")
}

func TestWatchRoomGone(t *testing.T) {
	hub := store.NewHub()
	defer hub.Close()
	reg, _ := newRegistry(hub)

	reg.Join("r", "u_aa1111")

	var mu sync.Mutex
	fired := 0
	stop, err := reg.WatchRoomGone("r", func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	reg.DeleteRoom("r", "admin")
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired == 1
	}, "room gone")

	// Must fire once, even if more changes arrive afterwards.
	reg.EnsureRoom("r")
	reg.DeleteRoom("r", "admin")
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("room gone fired %d times", fired)
	}
}

func TestDeleteRoomBroadcasts(t *testing.T) {
	hub := store.NewHub()
	defer hub.Close()
	reg, st := newRegistry(hub)
	ch := signal.NewChannel(hub.Client())

	reg.Join("r", "u_aa1111")
	if _, err := ch.Post("r", signal.Message{Type: signal.TypePresence, From: "u_aa1111"}); err != nil {
		t.Fatalf("post: %v", err)
	}

	reg.DeleteRoom("r", "admin")
	if _, ok, _ := st.ReadOnce("rooms/r/createdAt"); ok {
		t.Fatalf("room record should be gone")
	}

	// The old channel backlog is gone; only the broadcast remains, so a
	// participant who missed the structural deletion still hears about it.
	var mu sync.Mutex
	var got []signal.Message
	stop, err := ch.Subscribe("r", "u_aa1111", func(m signal.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "room-deleted broadcast")
	mu.Lock()
	defer mu.Unlock()
	if got[0].Type != signal.TypeRoomDeleted {
		t.Fatalf("unexpected message: %+v", got[0])
	}
}

func TestListAndInspect(t *testing.T) {
	hub := store.NewHub()
	defer hub.Close()
	reg, _ := newRegistry(hub)

	reg.now = func() time.Time { return time.UnixMilli(1000) }
	reg.Join("aaa", "u_aa1111")
	reg.now = func() time.Time { return time.UnixMilli(2000) }
	reg.Join("bbb", "u_bb2222")
	reg.Join("bbb", "u_cc3333")

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 rooms, got %d", len(list))
	}
	// Newest first.
	if list[0].Code != "bbb" || list[0].MemberCount != 2 {
		t.Fatalf("unexpected first room: %+v", list[0])
	}

	info, ok := reg.Inspect("bbb")
	if !ok {
		t.Fatalf("expected room bbb")
	}
	if len(info.Members) != 2 || info.Members[0] != "u_bb2222" {
		t.Fatalf("unexpected members: %v", info.Members)
	}
	if _, ok := reg.Inspect("missing"); ok {
		t.Fatalf("inspect of absent room must report false")
	}
}

func TestNewCode(t *testing.T) {
	code := NewCode(6)
	if len(code) != 6 {
		t.Fatalf("unexpected length %d", len(code))
	}
	for _, r := range code {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			t.Fatalf("unexpected rune %q in code", r)
		}
	}
}
