package leecher

import (
	"bytes"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mccartykim/fileswarm/internal/control"
	"github.com/mccartykim/fileswarm/internal/datagram"
	"github.com/mccartykim/fileswarm/internal/partialfile"
)

type fakeAnnouncer struct {
	mu    sync.Mutex
	calls []uint32
}

func (f *fakeAnnouncer) AddBlock(index uint32, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, index)
	return nil
}

func (f *fakeAnnouncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// spawnFakeSeeder answers REQUEST datagrams for the given blocks on ip:port,
// for as long as the returned stop func has not been called. Passing port 0
// lets the OS choose; the bound address is returned either way.
func spawnFakeSeeder(t *testing.T, ip string, port int, blocks map[uint32][]byte) (*net.UDPAddr, func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(ip), Port: port})
	require.NoError(t, err)

	stop := make(chan struct{})
	go func() {
		buf := make([]byte, datagram.MaxSize)
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = conn.SetReadDeadline(time.Now().Add(time.Second))
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				continue
			}
			d, err := datagram.Decode(buf[:n])
			if err != nil || d.Action != datagram.ActionRequest {
				continue
			}
			data, ok := blocks[d.ChunkID]
			if !ok {
				continue
			}
			reply, err := datagram.Encode(datagram.Datagram{Action: datagram.ActionReply, ChunkID: d.ChunkID, Name: d.Name, Payload: data})
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(reply, from)
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr), func() { close(stop); conn.Close() }
}

func TestSessionSingleSeederThreeBlocks(t *testing.T) {
	dir := t.TempDir()
	blocks := map[uint32][]byte{
		0: bytes.Repeat([]byte{1}, 1420),
		1: bytes.Repeat([]byte{2}, 1420),
		2: bytes.Repeat([]byte{3}, 660),
	}
	addr, stop := spawnFakeSeeder(t, "127.0.0.1", 0, blocks)
	defer stop()

	partial, err := partialfile.Create(filepath.Join(dir, ".doc.part"), 3500)
	require.NoError(t, err)
	defer partial.Close()

	reply := control.AvailabilityReply{FileSize: 3500, BlockCount: 3, FullHolders: []net.IP{addr.IP}}
	st := NewState("doc", reply)
	ann := &fakeAnnouncer{}

	sess := &Session{State: st, Partial: partial, Announce: ann, SeederPort: addr.Port, MaxWorkers: 3}
	done, err := sess.Run()
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, partial.IsComplete())
	assert.Equal(t, 3, ann.count())

	for i, want := range blocks {
		got, err := partial.ReadBlock(i)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestSessionTwoSeedersDisjointBlocks(t *testing.T) {
	dir := t.TempDir()
	blockA := map[uint32][]byte{0: bytes.Repeat([]byte{1}, 1420), 1: bytes.Repeat([]byte{2}, 1420)}
	blockB := map[uint32][]byte{2: bytes.Repeat([]byte{3}, 1420), 3: bytes.Repeat([]byte{4}, 1420), 4: bytes.Repeat([]byte{5}, 200)}

	// Both fakes must share one port: the leecher dials every peer's
	// seeder on the same SeederPort, so the two loopback addresses here
	// stand in for two distinct nodes each running a seeder on 9090.
	const port = 19090
	addrA, stopA := spawnFakeSeeder(t, "127.0.0.2", port, blockA)
	defer stopA()
	addrB, stopB := spawnFakeSeeder(t, "127.0.0.3", port, blockB)
	defer stopB()

	partial, err := partialfile.Create(filepath.Join(dir, ".img.part"), 5880)
	require.NoError(t, err)
	defer partial.Close()

	reply := control.AvailabilityReply{
		FileSize:   5880,
		BlockCount: 5,
		BlockHolders: map[uint32][]net.IP{
			0: {addrA.IP}, 1: {addrA.IP}, 2: {addrB.IP}, 3: {addrB.IP}, 4: {addrB.IP},
		},
	}
	st := NewState("img", reply)
	ann := &fakeAnnouncer{}

	sess := &Session{State: st, Partial: partial, Announce: ann, SeederPort: port, MaxWorkers: 5}
	done, err := sess.Run()
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, partial.IsComplete())
	assert.Equal(t, 5, ann.count())
}

func TestSessionFailoverOnUnreachablePeer(t *testing.T) {
	dir := t.TempDir()
	const port = 19091
	good, stopGood := spawnFakeSeeder(t, "127.0.0.3", port, map[uint32][]byte{0: bytes.Repeat([]byte{7}, 100)})
	defer stopGood()

	badIP := net.ParseIP("127.0.0.4") // nothing bound there: every request times out

	partial, err := partialfile.Create(filepath.Join(dir, ".f.part"), 100)
	require.NoError(t, err)
	defer partial.Close()

	reply := control.AvailabilityReply{
		FileSize:     100,
		BlockCount:   1,
		BlockHolders: map[uint32][]net.IP{0: {badIP, good.IP}},
	}
	st := NewState("f", reply)
	ann := &fakeAnnouncer{}

	sess := &Session{State: st, Partial: partial, Announce: ann, SeederPort: port, MaxWorkers: 1}
	done, err := sess.Run()
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, partial.IsComplete())
}
