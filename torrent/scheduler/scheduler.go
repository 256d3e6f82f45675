// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler owns a torrent's lifetime: the set of ActivePieces,
// the set of live PeerSessions, and the admission/dispatch loop that hands
// block requests out to ready peers and recovers from failure.
package scheduler

import (
	"crypto/sha1"
	"math/rand"
	"sort"
	"strconv"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/syncmap"

	"github.com/uber/kraken-torrent/torrent/metainfo"
	"github.com/uber/kraken-torrent/torrent/peer"
	"github.com/uber/kraken-torrent/torrent/storage"
	"github.com/uber/kraken-torrent/utils/bandwidth"
	"github.com/uber/kraken-torrent/utils/heap"
	"github.com/uber/kraken-torrent/utils/syncutil"
)

// Scheduler owns one torrent's ActivePieces, PeerSessions, and the
// admission/dispatch loop described in spec.md §4.5. It implements
// peer.Handler: PeerSessions talk to it only through that interface, never
// the other way, per the message-passing design note in spec.md §9.
type Scheduler struct {
	info  *metainfo.MetaInfo
	store *storage.FileLayer
	cfg   Config
	clk   clock.Clock
	log   *zap.SugaredLogger
	scope tally.Scope

	localPeerID metainfo.PeerID

	bfMu     sync.Mutex
	bitfield *storage.Bitfield

	mu      sync.Mutex
	pending []int
	active  map[int]*ActivePiece

	reqs *requestManager

	peers     syncmap.Map // metainfo.PeerID -> *peer.Session
	peerCount atomic.Int32

	// pieceCounts tracks, per piece index, how many live peers are known
	// to have it; pickPieceLocked consults this for RarestFirst selection.
	pieceCounts *syncutil.Counters

	// limiter rate-limits egress/ingress across every PeerSession sharing
	// this torrent; Adjust is called as the peer count changes so the
	// configured rate is divided evenly across active connections.
	limiter *bandwidth.Limiter

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewScheduler builds a Scheduler for the given torrent, computing the
// initial completed-piece set by verifying store's existing contents.
func NewScheduler(
	info *metainfo.MetaInfo,
	store *storage.FileLayer,
	localPeerID metainfo.PeerID,
	cfg Config,
	log *zap.SugaredLogger,
	scope tally.Scope,
	clk clock.Clock,
) *Scheduler {
	cfg = cfg.applyDefaults()

	numPieces := info.Info.NumPieces()
	bf := storage.NewBitfield(numPieces)
	completed := store.VerifyAll()

	var pending []int
	for i := 0; i < numPieces; i++ {
		if completed[i] {
			bf.Set(i)
		} else {
			pending = append(pending, i)
		}
	}

	limiter, err := bandwidth.NewLimiter(cfg.Bandwidth)
	if err != nil {
		log.Warnf("disabling bandwidth limiting, invalid config: %s", err)
		limiter, _ = bandwidth.NewLimiter(bandwidth.Config{})
	}

	s := &Scheduler{
		info:        info,
		store:       store,
		cfg:         cfg,
		clk:         clk,
		log:         log,
		scope:       scope,
		localPeerID: localPeerID,
		bitfield:    bf,
		pending:     pending,
		active:      make(map[int]*ActivePiece),
		reqs:        newRequestManager(clk, cfg.RequestTimeout),
		pieceCounts: syncutil.NewCounters(numPieces),
		limiter:     limiter,
		done:        make(chan struct{}),
	}
	s.wg.Add(1)
	go s.dispatchLoop()
	return s
}

// Limiter returns the Scheduler's shared bandwidth limiter, so that
// PeerSessions constructed outside the scheduler (by the daemon accepting
// or dialing a connection) can shape their egress/ingress through it.
func (s *Scheduler) Limiter() *bandwidth.Limiter {
	return s.limiter
}

// Bitfield returns the scheduler's global completed-piece bitfield.
func (s *Scheduler) Bitfield() *storage.Bitfield {
	return s.bitfield
}

// Complete reports whether every piece has been downloaded and verified.
func (s *Scheduler) Complete() bool {
	return s.bitfield.Complete()
}

// AddPeer registers an already-Active peer session with the scheduler and
// sends it our current bitfield, completing the handshake+bitfield
// send-side sequence from spec.md §4.4.
func (s *Scheduler) AddPeer(sess *peer.Session) {
	if sess.Info.PeerID == nil {
		return
	}
	sess.Score = peer.NewScore(s.cfg.ScoreHistory)
	s.peers.Store(*sess.Info.PeerID, sess)
	s.adjustLimiter(s.peerCount.Inc())
	sess.Send(peer.NewBitfield(s.bitfield.Bytes()))
	if s.scope != nil {
		s.scope.Counter("peers_added").Inc(1)
	}
}

func (s *Scheduler) removePeer(sess *peer.Session) {
	if sess.Info.PeerID == nil {
		return
	}
	peerID := *sess.Info.PeerID
	s.peers.Delete(peerID)
	s.adjustLimiter(s.peerCount.Dec())
	if sess.RemoteBitfield != nil {
		for i := 0; i < sess.RemoteBitfield.Len(); i++ {
			if sess.RemoteBitfield.Has(i) {
				s.pieceCounts.Decrement(i)
			}
		}
	}
	for _, r := range s.reqs.clearPeer(peerID) {
		s.requeueRequest(r, false)
	}
}

// adjustLimiter rescales the shared bandwidth limiter evenly across n live
// peers. n is clamped to at least 1 so a lone peer still gets the full
// configured rate rather than a divide-by-zero.
func (s *Scheduler) adjustLimiter(n int32) {
	if n < 1 {
		n = 1
	}
	if err := s.limiter.Adjust(int(n)); err != nil {
		s.log.Warnf("failed to adjust bandwidth limiter: %s", err)
	}
}

// Close stops the dispatch loop and closes every live peer session.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	s.peers.Range(func(_, v interface{}) bool {
		v.(*peer.Session).Close()
		return true
	})
}

// OnBitfield implements peer.Handler.
func (s *Scheduler) OnBitfield(sess *peer.Session, bits *storage.Bitfield) {
	for i := 0; i < bits.Len(); i++ {
		if bits.Has(i) {
			s.pieceCounts.Increment(i)
		}
	}
	s.maybeSendInterested(sess)
}

// OnHave implements peer.Handler.
func (s *Scheduler) OnHave(sess *peer.Session, index int) {
	s.pieceCounts.Increment(index)
	s.maybeSendInterested(sess)
}

// OnChoke implements peer.Handler. AmChoked is already tracked by the
// Session itself; the dispatch loop simply stops offering this peer new
// requests while it is choked.
func (s *Scheduler) OnChoke(sess *peer.Session) {}

// OnUnchoke implements peer.Handler.
func (s *Scheduler) OnUnchoke(sess *peer.Session) {}

// OnInterested implements peer.Handler: reply with a minimal, symmetric
// unchoke per spec.md §4.4 (optimistic unchoke selection is out of scope).
func (s *Scheduler) OnInterested(sess *peer.Session) {
	sess.SendUnchoke()
}

// OnNotInterested implements peer.Handler.
func (s *Scheduler) OnNotInterested(sess *peer.Session) {}

// OnRequest implements peer.Handler: serve a block if we hold the piece,
// the requested length is sane, and we are not choking the peer.
func (s *Scheduler) OnRequest(sess *peer.Session, p peer.BlockParams) {
	if !s.bitfield.Has(p.Index) {
		return
	}
	if p.Length > peer.MaxBlockServe {
		return
	}
	if sess.AmChoking.Load() {
		return
	}
	data, err := s.store.Read(p.Index, p.Begin, p.Length)
	if err != nil {
		return
	}
	sess.Send(peer.NewPiece(peer.PieceBlock{Index: p.Index, Begin: p.Begin, Block: data}))
}

// OnPiece implements peer.Handler: resolve the matching outstanding
// BlockRequest (dropping silently if none matches), write the block, and
// complete the piece if that was its last outstanding block.
func (s *Scheduler) OnPiece(sess *peer.Session, p peer.PieceBlock) {
	if sess.Info.PeerID == nil {
		return
	}
	peerID := *sess.Info.PeerID
	length := int64(len(p.Block))

	req, ok := s.reqs.resolve(peerID, p.Index, p.Begin, length)
	if !ok {
		return
	}

	s.mu.Lock()
	ap := s.active[p.Index]
	s.mu.Unlock()
	if ap == nil {
		return
	}

	duration := s.clk.Now().Sub(req.sentAt)
	if err := s.store.Write(p.Index, p.Begin, p.Block); err != nil {
		sess.Score.Record(false, duration)
		ap.Requeue(p.Begin, length)
		return
	}
	sess.Score.Record(true, duration)
	ap.Resolve()

	if ap.Done() {
		s.completePiece(ap)
	}
}

// OnCancel implements peer.Handler. OnRequest hands each Piece reply
// straight to the session's outbound queue, which offers no way to remove
// an entry, so a reply already queued is still sent; honoring cancel is
// therefore a no-op, which spec.md §4.4 permits ("best-effort").
func (s *Scheduler) OnCancel(sess *peer.Session, p peer.BlockParams) {}

// OnExtended implements peer.Handler. A BEP10 handshake (ext_id 0) is
// acknowledged with this client's own (extension-less) handshake so the
// peer knows its ext_id 0 message was received; named extensions like
// ut_metadata are outside the core scope per spec.md §1 and are not parsed
// out of the payload.
func (s *Scheduler) OnExtended(sess *peer.Session, extID byte, payload []byte) {
	if extID != peer.ExtendedHandshakeID {
		return
	}
	if !sess.MarkExtendedHandshakeSeen() {
		return
	}
	if err := sess.Send(peer.NewExtendedHandshake()); err != nil {
		s.log.Debugf("failed to ack extended handshake: %s", err)
	}
}

// OnDead implements peer.Handler: returns the peer's outstanding
// BlockRequests to their ActivePieces and forgets the peer.
func (s *Scheduler) OnDead(sess *peer.Session, cause error) {
	s.removePeer(sess)
}

func (s *Scheduler) maybeSendInterested(sess *peer.Session) {
	if sess.RemoteBitfield == nil {
		return
	}
	s.mu.Lock()
	lacking := false
	for idx := range s.active {
		if sess.RemoteBitfield.Has(idx) {
			lacking = true
			break
		}
	}
	if !lacking {
		for _, idx := range s.pending {
			if sess.RemoteBitfield.Has(idx) {
				lacking = true
				break
			}
		}
	}
	s.mu.Unlock()
	if lacking {
		sess.SendInterested()
	}
}

func (s *Scheduler) completePiece(ap *ActivePiece) {
	data, err := s.store.Read(ap.Index, 0, ap.Length)
	ok := err == nil && sha1.Sum(data) == s.info.Info.PieceHashes[ap.Index]

	s.mu.Lock()
	delete(s.active, ap.Index)
	if ok {
		s.bitfield.Set(ap.Index)
	} else {
		s.pending = append(s.pending, ap.Index)
	}
	s.mu.Unlock()

	if s.scope != nil {
		if ok {
			s.scope.Counter("pieces_completed").Inc(1)
		} else {
			s.scope.Counter("pieces_hash_mismatch").Inc(1)
		}
	}

	if ok {
		s.broadcastHave(ap.Index)
	}
}

func (s *Scheduler) broadcastHave(index int) {
	have := peer.NewHave(index)
	s.peers.Range(func(_, v interface{}) bool {
		v.(*peer.Session).Send(have)
		return true
	})
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	ticker := s.clk.Ticker(s.cfg.ProgressTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.reclaimExpired()
			s.admitPieces()
			s.dispatchBlocks()
		}
	}
}

func (s *Scheduler) reclaimExpired() {
	for _, r := range s.reqs.expired() {
		s.requeueRequest(r, true)
	}
}

func (s *Scheduler) requeueRequest(r *BlockRequest, scorePeer bool) {
	s.mu.Lock()
	ap := s.active[r.Piece]
	s.mu.Unlock()
	if ap != nil {
		ap.Requeue(r.Begin, r.Length)
	}
	if v, ok := s.peers.Load(r.PeerID); ok {
		sess := v.(*peer.Session)
		if scorePeer {
			sess.Score.Record(false, s.cfg.RequestTimeout)
		}
		sess.Send(peer.NewCancel(peer.BlockParams{Index: r.Piece, Begin: r.Begin, Length: r.Length}))
	}
}

// admitPieces pops pending piece indices into new ActivePieces until either
// MaxActivePieces is reached or pending is exhausted.
func (s *Scheduler) admitPieces() {
	for {
		s.mu.Lock()
		if len(s.active) >= s.cfg.MaxActivePieces || len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		idx := s.pickPieceLocked()
		length := s.info.Info.PieceLengthAt(idx)
		s.active[idx] = NewActivePiece(idx, length)
		s.mu.Unlock()
	}
}

// pickPieceLocked selects and removes one index from pending. Must be
// called with s.mu held. Default policy is uniformly random, per spec.md
// §4.5, to avoid hotspot pieces across swarms; RarestFirst is the
// permitted extension, ordering pending pieces by pieceCounts (the number
// of live peers known to hold each one) via a min-priority-queue.
func (s *Scheduler) pickPieceLocked() int {
	if !s.cfg.RarestFirst {
		i := rand.Intn(len(s.pending))
		idx := s.pending[i]
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		return idx
	}

	items := make([]*heap.Item, len(s.pending))
	for i, idx := range s.pending {
		items[i] = &heap.Item{Name: strconv.Itoa(idx), Priority: s.pieceCounts.Get(idx)}
	}
	pq := heap.NewPriorityQueue(items...)
	rarest, err := pq.Pop()
	if err != nil {
		// Unreachable: s.pending is non-empty whenever pickPieceLocked is
		// called (admitPieces checks len(s.pending) == 0 first).
		i := rand.Intn(len(s.pending))
		idx := s.pending[i]
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		return idx
	}
	idx, _ := strconv.Atoi(rarest.Name)

	for pos, p := range s.pending {
		if p == idx {
			s.pending = append(s.pending[:pos], s.pending[pos+1:]...)
			break
		}
	}
	return idx
}

type readyPeer struct {
	sess  *peer.Session
	score float64
}

// dispatchBlocks sorts ready peers by score (highest first) and, for each,
// scans active pieces in index order handing out the first queued block
// the peer holds, until the peer's inflight cap is reached.
func (s *Scheduler) dispatchBlocks() {
	var ready []readyPeer
	s.peers.Range(func(_, v interface{}) bool {
		sess := v.(*peer.Session)
		if sess.State() != peer.Active {
			return true
		}
		if sess.AmChoked.Load() || !sess.AmInterested.Load() {
			return true
		}
		ready = append(ready, readyPeer{sess, sess.Score.SuccessRate()})
		return true
	})
	sort.Slice(ready, func(i, j int) bool { return ready[i].score > ready[j].score })

	s.mu.Lock()
	actives := make([]*ActivePiece, 0, len(s.active))
	for _, ap := range s.active {
		actives = append(actives, ap)
	}
	s.mu.Unlock()
	sort.Slice(actives, func(i, j int) bool { return actives[i].Index < actives[j].Index })

	for _, rp := range ready {
		sess := rp.sess
		if sess.Info.PeerID == nil {
			continue
		}
		peerID := *sess.Info.PeerID
		for s.reqs.inflightForPeer(peerID) < s.cfg.Peer.MaxInflight {
			if !s.assignOneBlock(sess, peerID, actives) {
				break
			}
		}
	}
}

func (s *Scheduler) assignOneBlock(sess *peer.Session, peerID metainfo.PeerID, actives []*ActivePiece) bool {
	for _, ap := range actives {
		if sess.RemoteBitfield == nil || !sess.RemoteBitfield.Has(ap.Index) {
			continue
		}
		begin, length, ok := ap.NextBlock()
		if !ok {
			continue
		}
		s.reqs.add(peerID, ap.Index, begin, length)
		if err := sess.Send(peer.NewRequest(peer.BlockParams{Index: ap.Index, Begin: begin, Length: length})); err != nil {
			s.reqs.resolve(peerID, ap.Index, begin, length)
			ap.Requeue(begin, length)
			continue
		}
		return true
	}
	return false
}
