package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const outboundQueueSize = 256

// Peer lifecycle. Transitions only move forward.
const (
	peerStateHandshaking int32 = iota
	peerStateActive
	peerStateDraining
	peerStateClosed
)

// invalid-rate tripwire: a peer whose invalid share crosses the threshold
// within a window, with at least minSample messages observed, is dropped.
const (
	invalidRateWindow    = time.Minute
	invalidRateThreshold = 0.5
	invalidRateMinSample = 5
)

// Peer is one authenticated, encrypted connection to a remote node.
type Peer struct {
	id         string
	sess       *session
	reader     *bufio.Reader
	outbound   chan *Message
	server     *Server
	remoteAddr string
	dialAddr   string
	inbound    bool
	persistent bool

	role          string
	clientVersion string
	protoVersion  uint32
	listenAddrs   []string

	state atomic.Int32

	pingMu       sync.Mutex
	pingNonce    uint64
	pingSentAt   time.Time
	pingsMissed  int
	lastPongSeen time.Time

	statsMu      sync.Mutex
	windowStart  time.Time
	windowTotal  int
	windowBad    int
	connectedAt  time.Time
	lastActivity time.Time

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeer(server *Server, sess *session, hello *helloPacket, inbound, persistent bool, dialAddr string) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	now := server.currentTime()
	return &Peer{
		id:            hello.nodeID,
		sess:          sess,
		reader:        bufio.NewReaderSize(sess, 64*1024),
		outbound:      make(chan *Message, outboundQueueSize),
		server:        server,
		remoteAddr:    sess.RemoteAddr().String(),
		dialAddr:      strings.TrimSpace(dialAddr),
		inbound:       inbound,
		persistent:    persistent,
		role:          hello.NodeRole,
		clientVersion: hello.ClientVersion,
		protoVersion:  hello.negotiated,
		listenAddrs:   append([]string{}, hello.ListenAddrs...),
		connectedAt:   now,
		lastActivity:  now,
		lastPongSeen:  now,
		ctx:           ctx,
		cancel:        cancel,
		closed:        make(chan struct{}),
	}
}

func (p *Peer) start() {
	p.state.Store(peerStateActive)
	go p.readLoop()
	go p.writeLoop()
	go p.pingLoop()
}

// ID returns the remote node identifier.
func (p *Peer) ID() string { return p.id }

// RemoteAddr returns the transport address of the connection.
func (p *Peer) RemoteAddr() string { return p.remoteAddr }

// Role returns the role the peer advertised during the handshake.
func (p *Peer) Role() string { return p.role }

// ClientVersion returns the advertised client build string.
func (p *Peer) ClientVersion() string { return p.clientVersion }

// Inbound reports whether the remote initiated the connection.
func (p *Peer) Inbound() bool { return p.inbound }

// Persistent reports whether the peer is operator-pinned.
func (p *Peer) Persistent() bool { return p.persistent }

// Enqueue queues a message for delivery. It never blocks: a full queue means
// the peer cannot keep up and the caller decides what to drop.
func (p *Peer) Enqueue(msg *Message) error {
	if p.state.Load() >= peerStateDraining {
		return fmt.Errorf("peer %s shutting down", p.id)
	}
	select {
	case p.outbound <- msg:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("peer %s shutting down", p.id)
	default:
		return ErrQueueFull
	}
}

func (p *Peer) readLoop() {
	maxSize := p.server.cfg.MaxMessageSize
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		deadline := p.server.currentTime().Add(p.server.readTimeout())
		if err := p.sess.SetReadDeadline(deadline); err != nil {
			p.terminate(false, fmt.Errorf("set read deadline: %w", err))
			return
		}

		msg, err := readMessage(p.reader, maxSize)
		if err != nil {
			p.handleReadError(err)
			return
		}

		now := p.server.currentTime()
		p.touch(now)

		class := classifyMessage(msg.Type)
		grey := p.server.reputation.IsGreylisted(p.id, now)
		if !p.server.limits.AllowMessage(p.id, class, grey, now) {
			if !p.server.handleRateLimited(p, class) {
				return
			}
			continue
		}

		p.recordMessage(now, false)
		p.server.dispatch(p, msg)

		if p.tripwireFired(now) {
			p.server.handleInvalidFlood(p)
			return
		}
	}
}

func (p *Peer) handleReadError(err error) {
	var violation *ProtocolViolation
	switch {
	case errors.Is(err, io.EOF):
		p.terminate(false, io.EOF)
	case errors.As(err, &violation):
		p.server.handleProtocolViolation(p, violation)
	default:
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			p.terminate(false, fmt.Errorf("peer %s read timeout", p.id))
			return
		}
		p.terminate(false, fmt.Errorf("read error: %w", err))
	}
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.ctx.Done():
			p.flushOutbound()
			return
		case msg, ok := <-p.outbound:
			if !ok {
				return
			}
			if err := p.writeMessage(msg); err != nil {
				p.terminate(false, fmt.Errorf("write error: %w", err))
				return
			}
		}
	}
}

// flushOutbound delivers already-queued frames for draining peers before the
// connection drops. Stops on the first write error or an empty queue.
func (p *Peer) flushOutbound() {
	if p.state.Load() != peerStateDraining {
		return
	}
	for {
		select {
		case msg := <-p.outbound:
			if err := p.writeMessage(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *Peer) writeMessage(msg *Message) error {
	deadline := p.server.currentTime().Add(p.server.cfg.MessageTimeout)
	if err := p.sess.SetWriteDeadline(deadline); err != nil {
		return err
	}
	defer p.sess.SetWriteDeadline(time.Time{})
	return writeMessage(p.sess, msg, p.server.cfg.MaxMessageSize)
}

func (p *Peer) pingLoop() {
	interval := p.server.cfg.PingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.sendPing(); err != nil {
				p.terminate(false, fmt.Errorf("keepalive: %w", err))
				return
			}
		}
	}
}

func (p *Peer) sendPing() error {
	now := p.server.currentTime()

	p.pingMu.Lock()
	if !p.pingSentAt.IsZero() && p.lastPongSeen.Before(p.pingSentAt) {
		p.pingsMissed++
	} else {
		p.pingsMissed = 0
	}
	missed := p.pingsMissed
	nonce := p.server.nextNonce()
	p.pingNonce = nonce
	p.pingSentAt = now
	p.pingMu.Unlock()

	if missed >= 2 {
		return fmt.Errorf("peer %s missed %d pings", p.id, missed)
	}
	msg, err := NewPingMessage(nonce, now)
	if err != nil {
		return err
	}
	if err := p.Enqueue(msg); err != nil && !errors.Is(err, ErrQueueFull) {
		return err
	}
	return nil
}

// handlePong validates the echoed nonce and records round-trip latency.
func (p *Peer) handlePong(payload []byte, now time.Time) error {
	var pong PongPayload
	if err := json.Unmarshal(payload, &pong); err != nil {
		return &ProtocolViolation{Kind: "malformed", Err: fmt.Errorf("pong: %w", err)}
	}
	p.pingMu.Lock()
	defer p.pingMu.Unlock()
	if pong.Nonce != p.pingNonce {
		return &ProtocolViolation{Kind: "malformed", Err: fmt.Errorf("pong nonce mismatch")}
	}
	p.lastPongSeen = now
	p.pingsMissed = 0
	if !p.pingSentAt.IsZero() {
		p.server.reputation.ObserveLatency(p.id, now.Sub(p.pingSentAt), now)
		p.server.reputation.MarkHeartbeat(p.id, now)
	}
	return nil
}

func (p *Peer) touch(now time.Time) {
	p.statsMu.Lock()
	p.lastActivity = now
	p.statsMu.Unlock()
}

// recordMessage updates the rolling invalid-rate window.
func (p *Peer) recordMessage(now time.Time, invalid bool) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	if p.windowStart.IsZero() || now.Sub(p.windowStart) > invalidRateWindow {
		p.windowStart = now
		p.windowTotal = 0
		p.windowBad = 0
	}
	p.windowTotal++
	if invalid {
		p.windowBad++
	}
}

func (p *Peer) markInvalid(now time.Time) {
	p.statsMu.Lock()
	if p.windowStart.IsZero() || now.Sub(p.windowStart) > invalidRateWindow {
		p.windowStart = now
		p.windowTotal = 0
		p.windowBad = 0
	}
	p.windowBad++
	p.statsMu.Unlock()
}

func (p *Peer) tripwireFired(now time.Time) bool {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	if p.windowTotal < invalidRateMinSample {
		return false
	}
	return float64(p.windowBad)/float64(p.windowTotal) >= invalidRateThreshold
}

// Uptime returns how long the connection has been established.
func (p *Peer) Uptime(now time.Time) time.Duration {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return now.Sub(p.connectedAt)
}

// drain moves the peer to the draining state so new enqueues are refused
// while the write loop flushes what is already queued.
func (p *Peer) drain() {
	p.state.CompareAndSwap(peerStateActive, peerStateDraining)
}

func (p *Peer) terminate(ban bool, reason error) {
	p.closeOnce.Do(func() {
		p.state.Store(peerStateClosed)
		p.cancel()
		p.sess.Close()
		close(p.closed)
		p.server.removePeer(p, ban, reason)
	})
}
