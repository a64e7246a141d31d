// Package seeder implements the datagram server that answers block
// requests from other nodes (spec C4): a single receiver loop parses
// incoming datagrams and queues valid REQUESTs for a fixed pool of workers,
// which load the requested block and reply over the shared socket.
package seeder

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mccartykim/fileswarm/internal/blockspec"
	"github.com/mccartykim/fileswarm/internal/datagram"
)

// DefaultPort is the seeder's default UDP listen port (spec §6).
const DefaultPort = 9090

// DefaultWorkers is the default size of the reply worker pool.
const DefaultWorkers = 2

// defaultQueueLen bounds how many parsed REQUESTs can wait for a worker.
const defaultQueueLen = 64

// BlockStore resolves a (file name, block index) to block bytes. It is
// satisfied by a node's combined complete/partial file store.
type BlockStore interface {
	ReadBlock(name string, index uint32) ([]byte, error)
}

type request struct {
	from    *net.UDPAddr
	chunkID uint32
	name    string
}

// Seeder serves block-request datagrams on one fixed UDP socket.
type Seeder struct {
	conn  *net.UDPConn
	store BlockStore
	log   *logrus.Entry

	workers int
	queue   chan request

	// sendMu serializes writes to conn so worker replies never interleave
	// at the OS level.
	sendMu sync.Mutex

	stop chan struct{}
	done chan struct{}
}

// New binds a UDP socket on addr (host:port; port 0 lets the OS choose a
// free port) and returns a Seeder ready to Serve.
func New(addr string, store BlockStore, workers int, log *logrus.Entry) (*Seeder, error) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	return &Seeder{
		conn:    conn,
		store:   store,
		log:     log,
		workers: workers,
		queue:   make(chan request, defaultQueueLen),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound UDP address.
func (s *Seeder) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Serve runs the receiver loop and worker pool until Close is called. It
// blocks, so callers run it in its own goroutine.
func (s *Seeder) Serve() {
	var wg sync.WaitGroup
	wg.Add(s.workers)
	for i := 0; i < s.workers; i++ {
		go func() {
			defer wg.Done()
			s.work()
		}()
	}

	s.receive()

	close(s.queue)
	wg.Wait()
	close(s.done)
}

// receive reads datagrams off the socket until Close is called, parsing
// each with the data codec and queuing valid REQUESTs. Malformed datagrams
// and anything that isn't a REQUEST are silently dropped (spec §4.4/§7):
// the client will time out and retry.
func (s *Seeder) receive() {
	buf := make([]byte, datagram.MaxSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				s.log.WithError(err).Warn("seeder: read failed")
				continue
			}
		}

		d, err := datagram.Decode(buf[:n])
		if err != nil {
			s.log.WithError(err).Debug("seeder: dropped malformed datagram")
			dropsTotal.WithLabelValues("malformed").Inc()
			continue
		}
		if d.Action != datagram.ActionRequest {
			continue
		}

		select {
		case s.queue <- request{from: from, chunkID: d.ChunkID, name: d.Name}:
		default:
			s.log.Warn("seeder: work queue full, dropping request")
			dropsTotal.WithLabelValues("queue_full").Inc()
		}
	}
}

// work pops queued requests and replies to them; it exits when the queue
// is closed.
func (s *Seeder) work() {
	for req := range s.queue {
		data, err := s.store.ReadBlock(req.name, req.chunkID)
		if err != nil {
			s.log.WithFields(logrus.Fields{"name": req.name, "chunk_id": req.chunkID}).
				WithError(err).Debug("seeder: dropped request for unavailable block")
			dropsTotal.WithLabelValues("unavailable").Inc()
			continue
		}
		if len(data) > blockspec.MaxBlock {
			dropsTotal.WithLabelValues("oversized").Inc()
			continue
		}

		reply, err := datagram.Encode(datagram.Datagram{
			Action:  datagram.ActionReply,
			ChunkID: req.chunkID,
			Name:    req.name,
			Payload: data,
		})
		if err != nil {
			s.log.WithError(err).Warn("seeder: failed to encode reply")
			continue
		}

		s.sendMu.Lock()
		_, err = s.conn.WriteToUDP(reply, req.from)
		s.sendMu.Unlock()
		if err != nil {
			s.log.WithError(err).Debug("seeder: dropped send, client will retry")
			dropsTotal.WithLabelValues("send_failed").Inc()
			continue
		}
		repliesTotal.Inc()
	}
}

// Close stops the receiver loop and waits for workers to drain.
func (s *Seeder) Close() error {
	close(s.stop)
	err := s.conn.Close()
	<-s.done
	return err
}
