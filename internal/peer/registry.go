package peer

import (
	"sync"

	"github.com/rahmat-aldi/vicara/internal/signal"
)

// Registry is the arena of live links, keyed by remote participant id.
// Construct-or-fetch makes "at most one live link per remote" structural
// instead of a runtime check scattered across call sites.
//
// It also buffers network candidate hints that arrive before their link
// exists, a legitimate ordering hazard of independent channel appends. The
// buffer is bounded per remote; when full, the oldest hint is dropped.
type Registry struct {
	mu      sync.Mutex
	links   map[string]*Link
	pending map[string][]signal.Candidate
	limit   int
}

const DefaultCandidateQueueSize = 16

func NewRegistry(candidateQueueSize int) *Registry {
	if candidateQueueSize <= 0 {
		candidateQueueSize = DefaultCandidateQueueSize
	}
	return &Registry{
		links:   make(map[string]*Link),
		pending: make(map[string][]signal.Candidate),
		limit:   candidateQueueSize,
	}
}

// GetOrCreate returns the existing link for remote or constructs one with
// build. created reports whether build ran. Buffered candidate hints for
// remote are returned alongside a freshly built link for replay.
func (r *Registry) GetOrCreate(remote string, build func() (*Link, error)) (l *Link, created bool, buffered []signal.Candidate, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.links[remote]; ok {
		return l, false, nil, nil
	}
	l, err = build()
	if err != nil {
		return nil, false, nil, err
	}
	r.links[remote] = l
	buffered = r.pending[remote]
	delete(r.pending, remote)
	return l, true, buffered, nil
}

func (r *Registry) Get(remote string) (*Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[remote]
	return l, ok
}

// Forget drops the registry entry. The link itself is closed by its owner.
func (r *Registry) Forget(remote string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links, remote)
	delete(r.pending, remote)
}

// BufferCandidate stores an early hint for a remote whose link does not
// exist yet.
func (r *Registry) BufferCandidate(remote string, c signal.Candidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.pending[remote]
	if len(q) >= r.limit {
		q = q[1:]
	}
	r.pending[remote] = append(q, c)
}

// Snapshot returns the live links. Safe to close them afterwards without
// holding the registry lock.
func (r *Registry) Snapshot() []*Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}
