package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const maxInflightPerPeer = 64

// requestTable matches responses back to their originating requests by
// correlation ID, enforcing a per-peer in-flight ceiling.
type requestTable struct {
	mu       sync.Mutex
	pending  map[uint64]*pendingRequest
	byPeer   map[string]int
	maxPer   int
	idSource func() uint64
}

type pendingRequest struct {
	peerID string
	ch     chan *Message
}

func newRequestTable(idSource func() uint64) *requestTable {
	return &requestTable{
		pending:  make(map[uint64]*pendingRequest),
		byPeer:   make(map[string]int),
		maxPer:   maxInflightPerPeer,
		idSource: idSource,
	}
}

// register allocates a correlation ID and a delivery slot. The caller must
// release the slot via deliver or cancel.
func (t *requestTable) register(peerID string) (uint64, chan *Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byPeer[peerID] >= t.maxPer {
		return 0, nil, fmt.Errorf("%w: %d requests in flight to %s", ErrQueueFull, t.maxPer, peerID)
	}
	var id uint64
	for {
		id = t.idSource()
		if id == 0 {
			continue
		}
		if _, taken := t.pending[id]; !taken {
			break
		}
	}
	ch := make(chan *Message, 1)
	t.pending[id] = &pendingRequest{peerID: peerID, ch: ch}
	t.byPeer[peerID]++
	return id, ch, nil
}

// deliver routes a response to its waiter. It returns false when no request
// with that ID is pending for the peer, which callers treat as a protocol
// violation.
func (t *requestTable) deliver(peerID string, msg *Message) bool {
	t.mu.Lock()
	req := t.pending[msg.CorrelationID]
	if req == nil || req.peerID != peerID {
		t.mu.Unlock()
		return false
	}
	delete(t.pending, msg.CorrelationID)
	t.releaseLocked(peerID)
	t.mu.Unlock()

	req.ch <- msg
	return true
}

// cancel releases a slot whose waiter gave up.
func (t *requestTable) cancel(id uint64) {
	t.mu.Lock()
	if req := t.pending[id]; req != nil {
		delete(t.pending, id)
		t.releaseLocked(req.peerID)
	}
	t.mu.Unlock()
}

// dropPeer fails every request pending against a disconnected peer.
func (t *requestTable) dropPeer(peerID string) {
	t.mu.Lock()
	var dropped []*pendingRequest
	for id, req := range t.pending {
		if req.peerID == peerID {
			delete(t.pending, id)
			dropped = append(dropped, req)
		}
	}
	delete(t.byPeer, peerID)
	t.mu.Unlock()

	for _, req := range dropped {
		close(req.ch)
	}
}

func (t *requestTable) releaseLocked(peerID string) {
	if t.byPeer[peerID] > 1 {
		t.byPeer[peerID]--
	} else {
		delete(t.byPeer, peerID)
	}
}

// Request sends a direct request to a connected peer and waits for the
// matching response. The context bounds the wait; without a deadline the
// configured message timeout applies.
func (s *Server) Request(ctx context.Context, peerID string, msgType byte, payload []byte) (*Message, error) {
	peer := s.getPeer(peerID)
	if peer == nil {
		return nil, ErrPeerUnknown
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.MessageTimeout)
		defer cancel()
	}

	id, ch, err := s.requests.register(peerID)
	if err != nil {
		return nil, err
	}

	msg := &Message{Type: msgType, CorrelationID: id, Payload: payload}
	if err := peer.Enqueue(msg); err != nil {
		s.requests.cancel(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("request %d: %w", id, ErrPeerUnknown)
		}
		s.reputation.MarkUsefulResponse(peerID, s.currentTime())
		s.reputation.MarkUseful(peerID, s.currentTime())
		return resp, nil
	case <-ctx.Done():
		s.requests.cancel(id)
		if ctx.Err() == context.DeadlineExceeded {
			s.requestTimeoutPenalty(peerID, s.currentTime())
			return nil, fmt.Errorf("request %d to %s: %w", id, peerID, ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

// Respond sends a response frame correlated to a previously received request.
func (s *Server) Respond(peerID string, correlationID uint64, payload []byte) error {
	peer := s.getPeer(peerID)
	if peer == nil {
		return ErrPeerUnknown
	}
	return peer.Enqueue(&Message{Type: MsgTypeResponse, CorrelationID: correlationID, Payload: payload})
}

// requestTimeoutPenalty lowers the score of a peer that let a request expire.
func (s *Server) requestTimeoutPenalty(peerID string, now time.Time) {
	s.reputation.Adjust(peerID, -2, now, s.isPersistentPeer(peerID))
}
