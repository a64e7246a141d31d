package leecher

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mccartykim/fileswarm/internal/datagram"
	"github.com/mccartykim/fileswarm/internal/partialfile"
)

// Announcer is the tracker-facing capability a worker needs: announcing a
// newly completed block. Satisfied by a node's control client.
type Announcer interface {
	AddBlock(index uint32, name string) error
}

// Session coordinates one download: N workers sharing a State, each
// performing stop-and-wait requests against seeders until every block is
// received or exhausted of peers.
type Session struct {
	State      *State
	Partial    *partialfile.PartialFile
	Announce   Announcer
	SeederPort int
	MaxWorkers int
	Log        *logrus.Entry
}

// Run spawns min(MaxWorkers, unique holder count) workers and blocks until
// every worker has exhausted the claim order. It returns whether the
// download finished completely; a false result with no error means some
// blocks could not be fetched from any holder (spec §4.5 "Termination").
func (s *Session) Run() (done bool, err error) {
	if s.MaxWorkers <= 0 {
		s.MaxWorkers = DefaultMaxWorkers
	}
	if s.Log == nil {
		s.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if s.SeederPort == 0 {
		s.SeederPort = 9090
	}

	workerCount := s.MaxWorkers
	if unique := len(s.State.UniqueHolders()); unique < workerCount {
		workerCount = unique
	}
	if workerCount == 0 {
		return s.State.BlockCount == 0, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		conn, derr := net.ListenUDP("udp", &net.UDPAddr{})
		if derr != nil {
			return false, errors.Wrap(derr, "leecher: open worker socket")
		}
		w := &worker{
			session: s,
			conn:    conn,
			log:     s.Log.WithField("worker", i),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			w.run()
		}()
	}
	wg.Wait()

	return s.State.Done(), nil
}

type worker struct {
	session *Session
	conn    *net.UDPConn
	log     *logrus.Entry
}

// run implements the per-worker claim loop: Idle -> PickPeer -> AwaitReply
// -> (Commit | Backoff), spec §4.5.
func (w *worker) run() {
	st := w.session.State
	for {
		index, ok := st.ClaimNext()
		if !ok {
			return
		}
		w.fetch(index)
	}
}

func (w *worker) fetch(index uint32) {
	st := w.session.State
	avoid := make(map[string]bool)
	consecutiveTimeouts := 0

	for {
		holders := st.HoldersFor(index)
		peer, ok := pickPeer(holders, avoid, st.PeerRTT)
		if !ok {
			st.MarkFailed(index)
			w.log.WithField("block", index).Warn("leecher: no peer left to try")
			return
		}
		st.MarkTaken(peer.String())

		timeout := w.timeoutFor(peer.String())
		start := time.Now()

		if err := w.sendRequest(peer, index, st.FileName); err != nil {
			w.log.WithError(err).Debug("leecher: send failed, retrying")
			consecutiveTimeouts++
			if consecutiveTimeouts >= MaxConsecutiveTimeouts {
				avoid[peer.String()] = true
				consecutiveTimeouts = 0
			}
			continue
		}

		reply, err := w.awaitReply(index, st.FileName, timeout)
		if err != nil {
			consecutiveTimeouts++
			if consecutiveTimeouts >= MaxConsecutiveTimeouts {
				avoid[peer.String()] = true
				consecutiveTimeouts = 0
			}
			continue
		}

		if werr := w.session.Partial.WriteBlock(index, reply.Payload); werr != nil {
			w.log.WithError(werr).WithField("block", index).Warn("leecher: failed to persist block")
			st.MarkFailed(index)
			return
		}
		if aerr := w.session.Announce.AddBlock(index, st.FileName); aerr != nil {
			w.log.WithError(aerr).Warn("leecher: ADD_BLOCK announce failed")
		}

		observed := time.Since(start).Milliseconds()
		st.UpdateRTT(peer.String(), clampRTT(observed))
		st.MarkReceived(index)
		return
	}
}

func clampRTT(ms int64) uint16 {
	if ms < 0 {
		return 0
	}
	if ms > 0xFFFF {
		return 0xFFFF
	}
	return uint16(ms)
}

func (w *worker) timeoutFor(peer string) time.Duration {
	if rtt, ok := w.session.State.PeerRTT(peer); ok && rtt > 0 {
		return time.Duration(float64(rtt)*1.5) * time.Millisecond
	}
	return DefaultTimeoutMs * time.Millisecond
}

func (w *worker) sendRequest(peer net.IP, index uint32, name string) error {
	buf, err := datagram.Encode(datagram.Datagram{
		Action:  datagram.ActionRequest,
		ChunkID: index,
		Name:    name,
	})
	if err != nil {
		return errors.Wrap(err, "leecher: encode request")
	}
	addr := &net.UDPAddr{IP: peer, Port: w.session.SeederPort}
	_, err = w.conn.WriteToUDP(buf, addr)
	return errors.Wrap(err, "leecher: send request")
}

// awaitReply reads datagrams until a REPLY matching (index, name) arrives
// or the deadline passes. Mismatched chunk IDs (stale/duplicate replies)
// and parse failures do not reset the deadline (spec §4.5 step 5).
func (w *worker) awaitReply(index uint32, name string, timeout time.Duration) (datagram.Datagram, error) {
	deadline := time.Now().Add(timeout)
	if err := w.conn.SetReadDeadline(deadline); err != nil {
		return datagram.Datagram{}, err
	}

	buf := make([]byte, datagram.MaxSize)
	for {
		n, _, err := w.conn.ReadFromUDP(buf)
		if err != nil {
			return datagram.Datagram{}, err // timeout
		}
		d, err := datagram.Decode(buf[:n])
		if err != nil {
			continue
		}
		if d.Action != datagram.ActionReply || d.ChunkID != index || d.Name != name {
			continue
		}
		return d, nil
	}
}
