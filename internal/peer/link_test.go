package peer

import (
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/rahmat-aldi/vicara/internal/signal"
)

type fakeTransport struct {
	mu        sync.Mutex
	attached  []webrtc.TrackLocal
	offers    int
	answers   int
	appliedAn int
	cands     []signal.Candidate
	closed    int
	offerErr  error
	answerErr error

	onCand   func(signal.Candidate)
	onStream func(*RemoteStream)
	onState  func(TransportState)
}

func (f *fakeTransport) AttachTracks(tracks []webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, tracks...)
	return nil
}

func (f *fakeTransport) CreateOffer() (signal.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return signal.Description{}, f.offerErr
	}
	f.offers++
	return signal.Description{Type: "offer", SDP: "v=0 offer"}, nil
}

func (f *fakeTransport) AcceptOffer(signal.Description) (signal.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answerErr != nil {
		return signal.Description{}, f.answerErr
	}
	f.answers++
	return signal.Description{Type: "answer", SDP: "v=0 answer"}, nil
}

func (f *fakeTransport) AcceptAnswer(signal.Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appliedAn++
	return nil
}

func (f *fakeTransport) AddRemoteCandidate(c signal.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cands = append(f.cands, c)
	return nil
}

func (f *fakeTransport) OnLocalCandidate(fn func(signal.Candidate)) { f.onCand = fn }
func (f *fakeTransport) OnRemoteStream(fn func(*RemoteStream))      { f.onStream = fn }
func (f *fakeTransport) OnStateChange(fn func(TransportState))      { f.onState = fn }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cands)
}

type linkHarness struct {
	mu     sync.Mutex
	sent   []signal.Message
	media  []*RemoteStream
	closes []string
}

func (h *linkHarness) send(m signal.Message) error {
	h.mu.Lock()
	h.sent = append(h.sent, m)
	h.mu.Unlock()
	return nil
}

func (h *linkHarness) onMedia(_ string, s *RemoteStream) {
	h.mu.Lock()
	h.media = append(h.media, s)
	h.mu.Unlock()
}

func (h *linkHarness) onClosed(_, reason string) {
	h.mu.Lock()
	h.closes = append(h.closes, reason)
	h.mu.Unlock()
}

func newTestLink() (*Link, *fakeTransport, *linkHarness) {
	tr := &fakeTransport{}
	h := &linkHarness{}
	l := NewLink("u_bb2222", tr, h.send, h.onMedia, h.onClosed)
	return l, tr, h
}

func TestOfferFlow(t *testing.T) {
	l, tr, h := newTestLink()

	if err := l.Offer(); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if got := l.State(); got != StateOffering {
		t.Fatalf("state = %s, want offering", got)
	}
	if len(h.sent) != 1 || h.sent[0].Type != signal.TypeOffer || h.sent[0].To != "u_bb2222" {
		t.Fatalf("unexpected sent messages: %+v", h.sent)
	}

	// A second offer on the same link is a state error, not a new offer.
	if err := l.Offer(); !errors.Is(err, errBadState) {
		t.Fatalf("second offer: %v", err)
	}
	if tr.offers != 1 {
		t.Fatalf("transport offered %d times", tr.offers)
	}

	if err := l.HandleAnswer(signal.Description{Type: "answer", SDP: "v=0"}); err != nil {
		t.Fatalf("handle answer: %v", err)
	}
	if tr.appliedAn != 1 {
		t.Fatalf("answer not applied to transport")
	}

	tr.onState(TransportConnected)
	if got := l.State(); got != StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}
}

func TestAnswerFlow(t *testing.T) {
	l, _, h := newTestLink()

	if err := l.HandleOffer(signal.Description{Type: "offer", SDP: "v=0"}); err != nil {
		t.Fatalf("handle offer: %v", err)
	}
	if got := l.State(); got != StateAnswering {
		t.Fatalf("state = %s, want answering", got)
	}
	if len(h.sent) != 1 || h.sent[0].Type != signal.TypeAnswer {
		t.Fatalf("unexpected sent messages: %+v", h.sent)
	}
}

func TestStaleAnswerIsDropped(t *testing.T) {
	l, tr, _ := newTestLink()

	if err := l.HandleAnswer(signal.Description{Type: "answer", SDP: "v=0"}); err != nil {
		t.Fatalf("stale answer should be dropped, got %v", err)
	}
	if tr.appliedAn != 0 {
		t.Fatalf("stale answer reached the transport")
	}
}

func TestMediaDeliveredOnceConnected(t *testing.T) {
	l, tr, h := newTestLink()
	if err := l.Offer(); err != nil {
		t.Fatalf("offer: %v", err)
	}

	// Stream before connectivity: held back until connected.
	tr.onStream(&RemoteStream{})
	if len(h.media) != 0 {
		t.Fatalf("media delivered before connected")
	}
	tr.onState(TransportConnected)
	if len(h.media) != 1 || h.media[0] == nil {
		t.Fatalf("expected media after connect, got %+v", h.media)
	}

	// Stream after connectivity: delivered directly.
	tr.onStream(&RemoteStream{})
	if len(h.media) != 2 {
		t.Fatalf("expected second media delivery")
	}

	l.Close("user")
	if len(h.media) != 3 || h.media[2] != nil {
		t.Fatalf("expected nil stream on teardown, got %+v", h.media)
	}
}

func TestCloseIsIdempotentAndNotifiesOnce(t *testing.T) {
	l, tr, h := newTestLink()
	if err := l.Offer(); err != nil {
		t.Fatalf("offer: %v", err)
	}

	l.Close("user")
	l.Close("user")
	if len(h.closes) != 1 {
		t.Fatalf("closed callbacks: %v", h.closes)
	}
	if tr.closed != 1 {
		t.Fatalf("transport closed %d times", tr.closed)
	}
	if got := l.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}

	// No return edge from closed.
	if err := l.Offer(); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("offer after close: %v", err)
	}
	if err := l.HandleOffer(signal.Description{Type: "offer", SDP: "v=0"}); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("handle offer after close: %v", err)
	}
}

func TestTransportFailureClosesLink(t *testing.T) {
	l, _, h := newTestLink()
	if err := l.Offer(); err != nil {
		t.Fatalf("offer: %v", err)
	}

	// Connectivity degrading to failed closes the link, no retry.
	l.handleTransportState(TransportFailed)
	if got := l.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
	if len(h.closes) != 1 || h.closes[0] != "transport-failed" {
		t.Fatalf("unexpected close reasons: %v", h.closes)
	}
	// Teardown notified the media callback with an absent stream.
	if len(h.media) != 1 || h.media[0] != nil {
		t.Fatalf("unexpected media callbacks: %+v", h.media)
	}
}

func TestOfferFailureClosesLink(t *testing.T) {
	tr := &fakeTransport{offerErr: errors.New("no codecs")}
	h := &linkHarness{}
	l := NewLink("u_bb2222", tr, h.send, h.onMedia, h.onClosed)

	if err := l.Offer(); err == nil {
		t.Fatalf("expected offer error")
	}
	if got := l.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
	if len(h.sent) != 0 {
		t.Fatalf("no message should be sent on failed offer, got %+v", h.sent)
	}
}

func TestCandidatesGuardedAfterClose(t *testing.T) {
	l, tr, _ := newTestLink()
	if err := l.Offer(); err != nil {
		t.Fatalf("offer: %v", err)
	}

	if err := l.HandleCandidate(signal.Candidate{Candidate: "candidate:1"}); err != nil {
		t.Fatalf("candidate: %v", err)
	}
	if tr.candidateCount() != 1 {
		t.Fatalf("candidate not applied")
	}

	l.Close("user")
	if err := l.HandleCandidate(signal.Candidate{Candidate: "candidate:2"}); err != nil {
		t.Fatalf("candidate after close should be a silent drop, got %v", err)
	}
	if tr.candidateCount() != 1 {
		t.Fatalf("closed link still reached the transport")
	}
}

func TestLocalCandidatesArePosted(t *testing.T) {
	l, tr, h := newTestLink()
	if err := l.Offer(); err != nil {
		t.Fatalf("offer: %v", err)
	}

	tr.onCand(signal.Candidate{Candidate: "candidate:1"})
	if len(h.sent) != 2 {
		t.Fatalf("expected offer + candidate, got %+v", h.sent)
	}
	last := h.sent[1]
	if last.Type != signal.TypeCandidate || last.To != "u_bb2222" || last.Candidate == nil {
		t.Fatalf("unexpected candidate message: %+v", last)
	}

	l.Close("user")
	tr.onCand(signal.Candidate{Candidate: "candidate:2"})
	if len(h.sent) != 2 {
		t.Fatalf("candidate posted after close")
	}
}
