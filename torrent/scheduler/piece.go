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

package scheduler

import "sync"

// MaxBlockLength is the largest block size a scheduler will ever request,
// per BEP 3's de facto 16 KiB convention.
const MaxBlockLength = 16 * 1024

type block struct {
	begin  int64
	length int64
}

// ActivePiece is a PieceInfo currently being downloaded: an ordered queue
// of outstanding block-sized requests plus a count of blocks handed out
// but not yet resolved.
type ActivePiece struct {
	mu     sync.Mutex
	Index  int
	Length int64

	queue []block
	taken int
	total int
}

// NewActivePiece splits a piece of the given length into MaxBlockLength
// blocks and queues all of them.
func NewActivePiece(index int, length int64) *ActivePiece {
	ap := &ActivePiece{Index: index, Length: length}
	for begin := int64(0); begin < length; begin += MaxBlockLength {
		l := int64(MaxBlockLength)
		if begin+l > length {
			l = length - begin
		}
		ap.queue = append(ap.queue, block{begin: begin, length: l})
	}
	ap.total = len(ap.queue)
	return ap
}

// TotalBlocks returns the number of blocks the piece was split into.
func (ap *ActivePiece) TotalBlocks() int {
	return ap.total
}

// NextBlock pops the next queued block, marking it taken. Returns
// ok=false if the queue is empty.
func (ap *ActivePiece) NextBlock() (begin, length int64, ok bool) {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	if len(ap.queue) == 0 {
		return 0, 0, false
	}
	b := ap.queue[0]
	ap.queue = ap.queue[1:]
	ap.taken++
	return b.begin, b.length, true
}

// Resolve marks a previously taken block as successfully completed.
func (ap *ActivePiece) Resolve() {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ap.taken--
}

// Requeue returns a previously taken block to the queue, for retry by
// another peer.
func (ap *ActivePiece) Requeue(begin, length int64) {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ap.taken--
	ap.queue = append(ap.queue, block{begin: begin, length: length})
}

// Done reports whether the piece has no queued blocks and nothing
// in-flight, i.e. it is ready for hash verification.
func (ap *ActivePiece) Done() bool {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return len(ap.queue) == 0 && ap.taken == 0
}

// Inflight returns the current count of blocks taken but not resolved.
func (ap *ActivePiece) Inflight() int {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return ap.taken
}
