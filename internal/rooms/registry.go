// Package rooms owns room existence and the membership set in the shared
// store. Every operation is fire-and-forget: the store's own consistency
// model absorbs transient failures, so errors are logged and swallowed
// rather than surfaced to the caller.
package rooms

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rahmat-aldi/vicara/internal/signal"
	"github.com/rahmat-aldi/vicara/internal/store"
)

const roomsRoot = "rooms"

func roomKey(code string) string      { return roomsRoot + "/" + code }
func createdAtKey(code string) string { return roomKey(code) + "/createdAt" }
func membersKey(code string) string   { return roomKey(code) + "/members" }
func memberKey(code, pid string) string {
	return membersKey(code) + "/" + pid
}

// Registry manipulates room records and membership entries.
type Registry struct {
	st  store.Store
	ch  *signal.Channel
	now func() time.Time

	ensureMu sync.Mutex
}

func NewRegistry(st store.Store, ch *signal.Channel) *Registry {
	return &Registry{st: st, ch: ch, now: time.Now}
}

// EnsureRoom creates the room record if absent. The creation timestamp is
// written at most once per room lifetime: ensures are serialized so the
// read-then-write cannot interleave, and a re-entrant ensure leaves an
// existing timestamp alone. Participants on other store connections can
// still race; there the store's last-write-wins resolves it, and the
// timestamp is advisory anyway.
func (r *Registry) EnsureRoom(code string) {
	r.ensureMu.Lock()
	defer r.ensureMu.Unlock()
	_, ok, err := r.st.ReadOnce(createdAtKey(code))
	if err != nil {
		log.Warn().Str("module", "rooms.registry").Str("room", code).Err(err).Msg("ensure read failed")
		return
	}
	if ok {
		return
	}
	ts, _ := json.Marshal(r.now().UTC().Format(time.RFC3339Nano))
	if err := r.st.Write(createdAtKey(code), ts); err != nil {
		log.Warn().Str("module", "rooms.registry").Str("room", code).Err(err).Msg("ensure write failed")
	}
}

// Join writes the participant's membership entry, stamped with the store's
// clock, and registers store-side cleanup so the entry disappears if the
// connection drops without a Leave.
func (r *Registry) Join(code, participant string) {
	key := memberKey(code, participant)
	if err := r.st.WriteServerTimestamp(key); err != nil {
		log.Warn().Str("module", "rooms.registry").Str("room", code).Str("participant", participant).
			Err(err).Msg("join write failed")
	}
	r.EnsureRoom(code)
	if err := r.st.OnDisconnectRemove(key); err != nil {
		log.Warn().Str("module", "rooms.registry").Str("room", code).Str("participant", participant).
			Err(err).Msg("disconnect cleanup registration failed")
	}
	log.Info().Str("module", "rooms.registry").Str("room", code).Str("participant", participant).Msg("joined")
}

// Leave removes the membership entry. Removing an absent entry is fine.
func (r *Registry) Leave(code, participant string) {
	if err := r.st.Remove(memberKey(code, participant)); err != nil {
		log.Warn().Str("module", "rooms.registry").Str("room", code).Str("participant", participant).
			Err(err).Msg("leave failed")
	}
}

// DeleteRoom removes the room record and its signal channel, then posts a
// room-deleted broadcast so participants who miss the structural deletion
// (listener attach timing, event ordering) still get an explicit notice.
func (r *Registry) DeleteRoom(code, by string) {
	if err := r.st.Remove(roomKey(code)); err != nil {
		log.Warn().Str("module", "rooms.registry").Str("room", code).Err(err).Msg("room removal failed")
	}
	if err := r.st.Remove(signal.ChannelKey(code)); err != nil {
		log.Warn().Str("module", "rooms.registry").Str("room", code).Err(err).Msg("channel removal failed")
	}
	if _, err := r.ch.Post(code, signal.Message{Type: signal.TypeRoomDeleted, From: by}); err != nil {
		log.Warn().Str("module", "rooms.registry").Str("room", code).Err(err).Msg("room-deleted broadcast failed")
	}
	log.Info().Str("module", "rooms.registry").Str("room", code).Str("by", by).Msg("room deleted")
}

// WatchMembersRemoved fires fn once per membership entry that disappears,
// whether through an explicit Leave or the store's disconnect cleanup.
//
// The push-based store is treated purely as a notification source: we keep
// a locally owned snapshot of the member set and diff successive snapshots,
// never sharing mutable state with other clients.
func (r *Registry) WatchMembersRemoved(code string, fn func(participant string)) (store.StopFunc, error) {
	prefix := membersKey(code)
	known := make(map[string]bool)
	first := true
	return r.st.WatchTree(prefix, func(snap map[string][]byte) {
		current := make(map[string]bool, len(snap))
		for k := range snap {
			current[k[len(prefix)+1:]] = true
		}
		if !first {
			var gone []string
			for pid := range known {
				if !current[pid] {
					gone = append(gone, pid)
				}
			}
			sort.Strings(gone)
			for _, pid := range gone {
				fn(pid)
			}
		}
		known = current
		first = false
	})
}

// WatchRoomGone fires fn once, when the room record stops existing after
// having been seen. A room that is already gone at attach time is covered
// by the room-deleted broadcast instead.
func (r *Registry) WatchRoomGone(code string, fn func()) (store.StopFunc, error) {
	seen := false
	fired := false
	return r.st.WatchTree(roomKey(code), func(snap map[string][]byte) {
		if len(snap) > 0 {
			seen = true
			return
		}
		if seen && !fired {
			fired = true
			fn()
		}
	})
}

// Info is a read-only room summary for the operator dashboard.
type Info struct {
	Code        string   `json:"code"`
	CreatedAt   string   `json:"createdAt,omitempty"`
	MemberCount int      `json:"memberCount"`
	Members     []string `json:"members,omitempty"`
}

// List returns a summary of every room, newest first.
func (r *Registry) List() []Info {
	snap, err := r.st.ReadTree(roomsRoot)
	if err != nil {
		log.Warn().Str("module", "rooms.registry").Err(err).Msg("list failed")
		return nil
	}
	byCode := make(map[string]*Info)
	collect(snap, byCode, false)
	out := make([]Info, 0, len(byCode))
	for _, info := range byCode {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// Inspect returns one room's summary with its member ids, or false if the
// room does not exist.
func (r *Registry) Inspect(code string) (Info, bool) {
	snap, err := r.st.ReadTree(roomKey(code))
	if err != nil || len(snap) == 0 {
		return Info{}, false
	}
	byCode := make(map[string]*Info)
	collect(snap, byCode, true)
	info, ok := byCode[code]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

func collect(snap map[string][]byte, byCode map[string]*Info, withMembers bool) {
	for key, value := range snap {
		rest, ok := strings.CutPrefix(key, roomsRoot+"/")
		if !ok {
			continue
		}
		code, field, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		info := byCode[code]
		if info == nil {
			info = &Info{Code: code}
			byCode[code] = info
		}
		switch {
		case field == "createdAt":
			_ = json.Unmarshal(value, &info.CreatedAt)
		default:
			if pid, ok := strings.CutPrefix(field, "members/"); ok {
				info.MemberCount++
				if withMembers {
					info.Members = append(info.Members, pid)
				}
			}
		}
	}
	for _, info := range byCode {
		sort.Strings(info.Members)
	}
}
