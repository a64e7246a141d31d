// Package leecher drives a parallel multi-source download of one file
// (spec C5): peer selection by rarity and observed latency, adaptive
// per-peer timeouts, retry/failover, multi-worker parallelism, and
// persistence into a partial file as blocks arrive.
package leecher

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mccartykim/fileswarm/internal/control"
)

// DefaultMaxWorkers is the default cap on concurrent in-flight requests
// for one download (spec §4.5/§5).
const DefaultMaxWorkers = 5

// DefaultTimeoutMs is used when a peer's RTT has never been measured.
const DefaultTimeoutMs = 500

// MaxConsecutiveTimeouts is how many timeouts against one peer before a
// worker adds it to its local avoid set and re-picks (spec §4.5 step 5).
const MaxConsecutiveTimeouts = 3

// State is the per-download state shared among a leech session's workers
// (spec §3 LeechState). All mutation is safe for concurrent use.
type State struct {
	FileName   string
	FileSize   uint64
	BlockCount uint32

	// blockHolders is the effective per-block peer set: full holders
	// folded into every index, keyed by block index.
	blockHolders map[uint32][]net.IP

	// order is the rarest-first claim order, precomputed once at
	// construction from the holder counts at session start (spec §4.5
	// "Rarest-first ordering").
	order   []uint32
	nextIdx uint32 // claimed via atomic fetch-and-increment

	mu         sync.RWMutex
	takenPeers map[string]struct{}
	peerRTTMs  map[string]uint16

	resultMu sync.Mutex
	received map[uint32]struct{}
	failed   map[uint32]struct{}
}

// NewState builds a LeechState from a tracker's FileAvailabilityReply,
// folding full holders into every block's holder set and precomputing the
// rarest-first claim order.
func NewState(fileName string, reply control.AvailabilityReply) *State {
	blockCount := reply.BlockCount
	holders := make(map[uint32][]net.IP, blockCount)
	for i := uint32(0); i < blockCount; i++ {
		var set []net.IP
		set = append(set, reply.BlockHolders[i]...)
		set = append(set, reply.FullHolders...)
		holders[i] = set
	}

	order := make([]uint32, blockCount)
	for i := range order {
		order[i] = uint32(i)
	}
	sort.SliceStable(order, func(a, b int) bool {
		ca, cb := len(holders[order[a]]), len(holders[order[b]])
		if ca != cb {
			return ca < cb
		}
		return order[a] < order[b]
	})

	return &State{
		FileName:     fileName,
		FileSize:     reply.FileSize,
		BlockCount:   blockCount,
		blockHolders: holders,
		order:        order,
		takenPeers:   make(map[string]struct{}),
		peerRTTMs:    make(map[string]uint16),
		received:     make(map[uint32]struct{}),
		failed:       make(map[uint32]struct{}),
	}
}

// UniqueHolders returns every distinct peer known to hold at least one
// block, used to size the worker pool (spec §4.5 "min(MAX_WORKERS,
// |unique_holders|)").
func (s *State) UniqueHolders() []net.IP {
	seen := make(map[string]net.IP)
	for _, ips := range s.blockHolders {
		for _, ip := range ips {
			seen[ip.String()] = ip
		}
	}
	out := make([]net.IP, 0, len(seen))
	for _, ip := range seen {
		out = append(out, ip)
	}
	return out
}

// ClaimNext atomically claims the next block index in rarest-first order.
// ok is false once every index has been claimed.
func (s *State) ClaimNext() (index uint32, ok bool) {
	i := atomic.AddUint32(&s.nextIdx, 1) - 1
	if i >= uint32(len(s.order)) {
		return 0, false
	}
	return s.order[i], true
}

// HoldersFor returns the holder set for block index i (shared lock).
func (s *State) HoldersFor(index uint32) []net.IP {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blockHolders[index]
}

// PeerRTT returns the stored RTT estimate for peer, if any.
func (s *State) PeerRTT(peer string) (ms uint16, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok = s.peerRTTMs[peer]
	return ms, ok
}

// UpdateRTT applies the ±50% band gate from spec §4.5: the stored estimate
// only moves when the new observation is outside the open band (0.5r, 1.5r)
// around the current estimate r (0 if absent).
func (s *State) UpdateRTT(peer string, observedMs uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.peerRTTMs[peer]
	d := float64(observedMs)
	rf := float64(r)
	if r == 0 || d >= 1.5*rf || d <= 0.5*rf {
		s.peerRTTMs[peer] = observedMs
	}
}

// MarkTaken records peer as having been chosen at least once.
func (s *State) MarkTaken(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.takenPeers[peer] = struct{}{}
}

// MarkReceived records a successfully completed block.
func (s *State) MarkReceived(index uint32) {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	s.received[index] = struct{}{}
}

// MarkFailed records a block this session could not fetch from any peer.
func (s *State) MarkFailed(index uint32) {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	s.failed[index] = struct{}{}
}

// ReceivedCount and FailedCount support the termination check (spec §4.5).
func (s *State) ReceivedCount() int {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	return len(s.received)
}

func (s *State) FailedCount() int {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	return len(s.failed)
}

// Done reports whether every block has been received.
func (s *State) Done() bool {
	return s.ReceivedCount() == int(s.BlockCount)
}

// pickPeer implements spec §4.5's peer-picking policy: prefer peers never
// yet measured (explore), else the lowest stored RTT sample.
func pickPeer(candidates []net.IP, avoid map[string]bool, rtt func(string) (uint16, bool)) (net.IP, bool) {
	var remaining []net.IP
	for _, ip := range candidates {
		if !avoid[ip.String()] {
			remaining = append(remaining, ip)
		}
	}
	if len(remaining) == 0 {
		return nil, false
	}

	var unmeasured, measured []net.IP
	for _, ip := range remaining {
		if _, ok := rtt(ip.String()); ok {
			measured = append(measured, ip)
		} else {
			unmeasured = append(unmeasured, ip)
		}
	}

	pool := measured
	if len(unmeasured) > 0 {
		pool = unmeasured
	}

	sort.SliceStable(pool, func(a, b int) bool {
		ra, _ := rtt(pool[a].String())
		rb, _ := rtt(pool[b].String())
		return ra < rb
	})

	return pool[0], true
}
