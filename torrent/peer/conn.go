package peer

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/uber/kraken-torrent/torrent/metainfo"
	"github.com/uber/kraken-torrent/torrent/storage"
	"github.com/uber/kraken-torrent/utils/bandwidth"
)

// State is a PeerSession's position in the per-peer state machine
// described in spec.md §4.4.
type State int

// The per-peer states. Transitions are documented on Session.
const (
	Connecting State = iota
	Handshaking
	Active
	Dead
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Info identifies a remote peer endpoint. Equality and set membership
// ignore PeerID, per spec.md §3.
type Info struct {
	IP     string
	Port   int
	PeerID *metainfo.PeerID
}

// Addr returns the dialable host:port for this peer.
func (pi Info) Addr() string {
	return fmt.Sprintf("%s:%d", pi.IP, pi.Port)
}

// Equal compares two Infos by endpoint only, per spec.md §3.
func (pi Info) Equal(other Info) bool {
	return pi.IP == other.IP && pi.Port == other.Port
}

// Handler receives events from a Session's receive loop. The scheduler
// implements Handler; a Session never calls back into anything but its
// Handler, matching the message-passing design in spec.md §9 (PeerSessions
// never own the scheduler).
type Handler interface {
	OnBitfield(s *Session, bits *storage.Bitfield)
	OnHave(s *Session, index int)
	OnChoke(s *Session)
	OnUnchoke(s *Session)
	OnInterested(s *Session)
	OnNotInterested(s *Session)
	OnRequest(s *Session, p BlockParams)
	OnPiece(s *Session, p PieceBlock)
	OnCancel(s *Session, p BlockParams)
	OnExtended(s *Session, extID byte, payload []byte)
	OnDead(s *Session, cause error)
}

// Session is one live TCP connection to a remote peer: handshake, framing,
// and the Connecting→Handshaking→Active→Dead state machine of spec.md
// §4.4. Reads and dispatch happen on a single goroutine (readLoop); sends
// are non-blocking, written through a bounded outbound queue drained by
// writeLoop, per the design note in spec.md §9.
type Session struct {
	Info Info

	conn    net.Conn
	cfg     Config
	clk     clock.Clock
	log     *zap.SugaredLogger
	scope   tally.Scope
	handler Handler
	limiter *bandwidth.Limiter

	localInfoHash metainfo.InfoHash
	localPeerID   metainfo.PeerID
	numPieces     int

	state atomic.Int32

	RemoteBitfield   *storage.Bitfield
	bitfieldSeen     atomic.Bool
	anyMessageSeen   atomic.Bool
	extHandshakeSent atomic.Bool

	AmChoked      atomic.Bool
	AmChoking     atomic.Bool
	AmInterested  atomic.Bool
	AmInteresting atomic.Bool

	Score *Score

	outbound  chan *Message
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu       sync.Mutex
	lastSend time.Time
}

// NewSession wraps an established TCP connection. Start must be called to
// begin the handshake and the read/write loops. limiter may be nil, in
// which case egress/ingress are unshaped.
func NewSession(
	conn net.Conn,
	info Info,
	localInfoHash metainfo.InfoHash,
	localPeerID metainfo.PeerID,
	numPieces int,
	handler Handler,
	cfg Config,
	log *zap.SugaredLogger,
	scope tally.Scope,
	limiter *bandwidth.Limiter,
	clk clock.Clock,
) *Session {
	cfg = cfg.applyDefaults()
	s := &Session{
		Info:          info,
		conn:          conn,
		cfg:           cfg,
		clk:           clk,
		log:           log,
		scope:         scope,
		handler:       handler,
		limiter:       limiter,
		localInfoHash: localInfoHash,
		localPeerID:   localPeerID,
		numPieces:     numPieces,
		Score:         NewScore(20),
		outbound:      make(chan *Message, cfg.OutboundQueueSize),
		done:          make(chan struct{}),
	}
	s.AmChoking.Store(true)
	s.AmChoked.Store(true)
	s.state.Store(int32(Connecting))
	return s
}

// State returns the session's current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Start performs the handshake (as initiator if outgoing is true, as
// responder otherwise), then launches the read and write loops. It returns
// once the handshake completes or fails; failures leave the session Dead
// and the socket closed.
func (s *Session) Start(outgoing bool) error {
	s.setState(Handshaking)
	s.conn.SetDeadline(s.clk.Now().Add(s.cfg.HandshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	if outgoing {
		if err := s.sendHandshake(); err != nil {
			return s.die(err)
		}
		if err := s.recvHandshake(); err != nil {
			return s.die(err)
		}
	} else {
		if err := s.recvHandshake(); err != nil {
			return s.die(err)
		}
		if err := s.sendHandshake(); err != nil {
			return s.die(err)
		}
	}

	s.setState(Active)
	s.RemoteBitfield = storage.NewBitfield(s.numPieces)

	go s.writeLoop()
	go s.readLoop()
	return nil
}

// sendHandshake writes the fixed 68-byte handshake. The local bitfield is
// not known to a bare Session (it has no storage reference); the caller is
// expected to Send a bitfield Message immediately after Start returns, per
// spec.md §4.4's "send handshake + local bitfield immediately" rule.
func (s *Session) sendHandshake() error {
	hs := Handshake{InfoHash: s.localInfoHash, PeerID: s.localPeerID, ExtendedSupport: true}
	if _, err := s.conn.Write(hs.Serialize()); err != nil {
		return fmt.Errorf("write handshake: %s", err)
	}
	return nil
}

func (s *Session) recvHandshake() error {
	hs, err := ReadHandshake(s.conn)
	if err != nil {
		return err
	}
	if hs.InfoHash != s.localInfoHash {
		return fmt.Errorf("%w: info hash mismatch", ErrProtocolViolation)
	}
	s.Info.PeerID = &hs.PeerID
	return nil
}

// Send enqueues msg for transmission. It never blocks: if the outbound
// queue is full the message is dropped and an error returned, treating a
// persistently backed-up peer the same as a slow/dead one.
func (s *Session) Send(msg *Message) error {
	select {
	case s.outbound <- msg:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
		return fmt.Errorf("outbound queue full")
	}
}

func (s *Session) writeLoop() {
	ticker := s.clk.Ticker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.outbound:
			if err := s.write(msg); err != nil {
				s.die(fmt.Errorf("write: %s", err))
				return
			}
		case <-ticker.C:
			s.mu.Lock()
			idle := s.clk.Now().Sub(s.lastSend) >= s.cfg.KeepaliveInterval
			s.mu.Unlock()
			if idle {
				if err := s.write(nil); err != nil {
					s.die(fmt.Errorf("write keepalive: %s", err))
					return
				}
			}
		}
	}
}

func (s *Session) write(msg *Message) error {
	if s.limiter != nil && msg != nil && msg.ID == Piece {
		if err := s.limiter.ReserveEgress(int64(len(msg.Payload))); err != nil {
			return fmt.Errorf("bandwidth limiter: %s", err)
		}
	}
	if _, err := s.conn.Write(msg.Serialize()); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSend = s.clk.Now()
	s.mu.Unlock()
	if s.scope != nil {
		s.scope.Counter("messages_sent").Inc(1)
	}
	return nil
}

func (s *Session) readLoop() {
	s.conn.SetReadDeadline(s.clk.Now().Add(s.cfg.IdleTimeout))
	for {
		msg, err := ReadMessage(s.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.die(fmt.Errorf("read: %w: %s", ErrTimeout, err))
				return
			}
			s.die(fmt.Errorf("read: %s", err))
			return
		}
		s.conn.SetReadDeadline(s.clk.Now().Add(s.cfg.IdleTimeout))
		if msg == nil {
			continue // keepalive
		}
		if err := s.dispatch(msg); err != nil {
			s.die(err)
			return
		}
	}
}

func (s *Session) dispatch(msg *Message) error {
	firstMessage := !s.anyMessageSeen.Swap(true)

	if msg.ID == BitfieldMsg {
		if !firstMessage {
			return fmt.Errorf("%w: bitfield arrived after another message", ErrProtocolViolation)
		}
		bits, err := s.decodeBitfield(msg.Payload)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrProtocolViolation, err)
		}
		s.RemoteBitfield = bits
		s.handler.OnBitfield(s, bits)
		return nil
	}

	switch msg.ID {
	case Choke:
		s.AmChoked.Store(true)
		s.handler.OnChoke(s)
	case Unchoke:
		s.AmChoked.Store(false)
		s.handler.OnUnchoke(s)
	case Interested:
		s.AmInteresting.Store(true)
		s.handler.OnInterested(s)
	case NotInterested:
		s.AmInteresting.Store(false)
		s.handler.OnNotInterested(s)
	case Have:
		i, err := ParseHave(msg)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrProtocolViolation, err)
		}
		if i >= 0 && i < s.numPieces {
			s.RemoteBitfield.Set(i)
			s.handler.OnHave(s, i)
		}
	case Request:
		p, err := ParseBlockParams(msg)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrProtocolViolation, err)
		}
		s.handler.OnRequest(s, p)
	case Piece:
		p, err := ParsePiece(msg)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrProtocolViolation, err)
		}
		if s.limiter != nil {
			if err := s.limiter.ReserveIngress(int64(len(p.Block))); err != nil {
				return fmt.Errorf("bandwidth limiter: %s", err)
			}
		}
		s.handler.OnPiece(s, p)
	case Cancel:
		p, err := ParseBlockParams(msg)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrProtocolViolation, err)
		}
		s.handler.OnCancel(s, p)
	case Extended:
		if len(msg.Payload) < 1 {
			return fmt.Errorf("%w: empty extended payload", ErrProtocolViolation)
		}
		s.handler.OnExtended(s, msg.Payload[0], msg.Payload[1:])
	default:
		return fmt.Errorf("%w: unknown message id %d", ErrProtocolViolation, msg.ID)
	}
	return nil
}

func (s *Session) decodeBitfield(raw []byte) (*storage.Bitfield, error) {
	bits, err := storage.DecodeBitfield(raw, s.numPieces)
	if err == nil || !s.cfg.Lenient {
		return bits, err
	}
	expected := (s.numPieces + 7) / 8
	if len(raw) >= expected {
		return nil, err
	}
	padded := make([]byte, expected)
	copy(padded, raw)
	return storage.DecodeBitfield(padded, s.numPieces)
}

// die transitions the session to Dead exactly once, closes the socket, and
// notifies the handler. Safe to call from any goroutine, any number of
// times.
func (s *Session) die(cause error) error {
	s.closeOnce.Do(func() {
		s.closeErr = cause
		s.setState(Dead)
		close(s.done)
		s.conn.Close()
		if s.scope != nil {
			s.scope.Counter("sessions_dead").Inc(1)
		}
		if s.log != nil && cause != nil {
			s.log.Infow("peer session died", "peer", s.Info.Addr(), "cause", cause)
		}
		if s.handler != nil {
			s.handler.OnDead(s, cause)
		}
	})
	return s.closeErr
}

// Close cancels the session: closes the socket and returns its outstanding
// state to Dead. Idempotent.
func (s *Session) Close() error {
	return s.die(nil)
}

// SendInterested sends Interested at most once per spec.md §4.4's send-side
// rule: a no-op if we are already marked interested.
func (s *Session) SendInterested() error {
	if s.AmInterested.Swap(true) {
		return nil
	}
	return s.Send(&Message{ID: Interested})
}

// MarkExtendedHandshakeSeen reports whether this is the first ext_id==0
// message seen on s, atomically marking it seen either way. A Handler uses
// this to ack the peer's BEP10 handshake exactly once rather than replying
// to its own ack in an endless loop.
func (s *Session) MarkExtendedHandshakeSeen() bool {
	return !s.extHandshakeSent.Swap(true)
}

// SendNotInterested sends NotInterested, clearing the local interest flag.
func (s *Session) SendNotInterested() error {
	s.AmInterested.Store(false)
	return s.Send(&Message{ID: NotInterested})
}

// SendUnchoke sends Unchoke in (minimal, symmetric) response to Interested.
func (s *Session) SendUnchoke() error {
	s.AmChoking.Store(false)
	return s.Send(&Message{ID: Unchoke})
}

// SendChoke sends Choke.
func (s *Session) SendChoke() error {
	s.AmChoking.Store(true)
	return s.Send(&Message{ID: Choke})
}

// Done is closed when the session becomes Dead.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
