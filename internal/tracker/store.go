// Package tracker implements the tracker state machine (spec C6): it
// aggregates per-node inventories into an authoritative file->peers-with-
// blocks map, answers directory queries, and reaps peers on disconnect.
package tracker

import (
	"net"
	"sync"

	"github.com/mccartykim/fileswarm/internal/blockspec"
	"github.com/mccartykim/fileswarm/internal/control"
)

// entryKey addresses one inventory entry by the peer that announced it and
// the file it describes. Per spec §9's redesign note, by_peer and by_file
// are indexes into this single authoritative map rather than cyclic
// references into each other, so both can be updated under one critical
// section without risk of drifting apart.
type entryKey struct {
	peer string
	name string
}

// Store holds the tracker's authoritative view (spec §3 TrackerView).
type Store struct {
	mu sync.RWMutex

	entries map[entryKey]*control.InventoryEntry
	byPeer  map[string][]string // peer -> file names, insertion order
	byFile  map[string][]string // file name -> peer addrs, insertion order
}

// NewStore returns an empty tracker state.
func NewStore() *Store {
	return &Store{
		entries: make(map[entryKey]*control.InventoryEntry),
		byPeer:  make(map[string][]string),
		byFile:  make(map[string][]string),
	}
}

// Add merges a peer's announced inventory (ADD). A file name new to this
// peer is appended to both indexes; a name the peer already announced
// keeps its existing entry — only ADD_BLOCK may update it afterwards
// (spec §4.6).
func (s *Store) Add(peer string, entries []control.InventoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range entries {
		e := entries[i]
		key := entryKey{peer: peer, name: e.Name}
		if _, exists := s.entries[key]; exists {
			continue
		}
		s.entries[key] = &e
		s.byPeer[peer] = append(s.byPeer[peer], e.Name)
		s.byFile[e.Name] = append(s.byFile[e.Name], peer)
	}
	s.updateFilesKnownLocked()
}

// AddBlock applies an ADD_BLOCK announcement: if the peer's entry for name
// exists and is not already complete, set bit index in its have bitmap.
func (s *Store) AddBlock(peer string, index uint32, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryKey{peer: peer, name: name}]
	if !ok || e.Complete {
		return
	}
	e.Have = blockspec.SetBit(e.Have, index)
}

// List returns the union of file names known across every peer.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var names []string
	for name := range s.byFile {
		if len(s.byFile[name]) == 0 {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// File builds the FileAvailabilityReply for name (spec §4.6). An unknown
// name yields an empty reply — full_count=0 and no block holders — which
// the leecher interprets as unavailable (spec §4.1 open question).
func (s *Store) File(name string) control.AvailabilityReply {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reply := control.AvailabilityReply{BlockHolders: make(map[uint32][]net.IP)}

	for _, peer := range s.byFile[name] {
		e, ok := s.entries[entryKey{peer: peer, name: name}]
		if !ok {
			continue
		}
		if reply.FileSize == 0 {
			reply.FileSize = e.Size
		}
		if bc := e.BlockCount(); bc > reply.BlockCount {
			reply.BlockCount = bc
		}

		ip := peerIP(peer)
		if ip == nil {
			continue
		}
		if e.Complete {
			reply.FullHolders = append(reply.FullHolders, ip)
			continue
		}
		for i := uint32(0); i < e.BlockCount(); i++ {
			if e.HasBlock(i) {
				reply.BlockHolders[i] = append(reply.BlockHolders[i], ip)
			}
		}
	}
	return reply
}

// peerIP extracts the bare IPv4 address from a "host:port" peer key; the
// wire's FileAvailabilityReply carries addresses without ports (spec §4.1 —
// the fixed seeder port supplies the rest).
func peerIP(peer string) net.IP {
	host, _, err := net.SplitHostPort(peer)
	if err != nil {
		host = peer
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return ip.To4()
}

// Disconnect removes every entry the peer announced, from both indexes, in
// one critical section (spec §4.6 "Disconnect handling").
func (s *Store) Disconnect(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := s.byPeer[peer]
	delete(s.byPeer, peer)
	for _, name := range names {
		delete(s.entries, entryKey{peer: peer, name: name})
		s.byFile[name] = removeAll(s.byFile[name], peer)
	}
	s.updateFilesKnownLocked()
}

// updateFilesKnownLocked refreshes the A4 files-known gauge to the number
// of names in byFile with at least one remaining holder, matching List's
// counting rule. Callers must hold mu.
func (s *Store) updateFilesKnownLocked() {
	count := 0
	for _, peers := range s.byFile {
		if len(peers) > 0 {
			count++
		}
	}
	filesKnown.Set(float64(count))
}

func removeAll(list []string, value string) []string {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}
