package tracker

import (
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/mccartykim/fileswarm/internal/control"
)

// DefaultPoolSize is the default number of concurrently handled
// connections (spec §5: "fixed thread pool, default size 4-5").
const DefaultPoolSize = 4

// Server accepts control connections and dispatches each to a bounded pool
// of handler goroutines (spec C6).
type Server struct {
	ln    net.Listener
	store *Store
	log   *logrus.Entry

	poolSize int
	workCh   chan net.Conn
}

// New binds addr and returns a Server ready to Serve.
func New(addr string, poolSize int, log *logrus.Entry) (*Server, error) {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Server{
		ln:       ln,
		store:    NewStore(),
		log:      log,
		poolSize: poolSize,
		workCh:   make(chan net.Conn),
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Store exposes the tracker's state, mainly for tests and metrics.
func (s *Server) Store() *Store { return s.store }

// Serve runs the accept loop and the handler pool until the listener is
// closed. It blocks, so callers run it in its own goroutine.
func (s *Server) Serve() error {
	for i := 0; i < s.poolSize; i++ {
		go s.handlerLoop()
	}

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			close(s.workCh)
			return err
		}
		connectionsAccepted.Inc()
		// Blocks until a pool slot frees up; extra connections queue in
		// the listener backlog (spec §5 "Resource caps").
		s.workCh <- conn
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.ln.Close()
}

func (s *Server) handlerLoop() {
	for conn := range s.workCh {
		s.handleConn(conn)
	}
}

// handleConn runs one peer's control-connection loop until it disconnects
// or sends a malformed frame, at which point only that connection is
// closed (spec §4.6, §7, §8 scenario 6).
func (s *Server) handleConn(conn net.Conn) {
	peer := conn.RemoteAddr().String()
	log := s.log.WithField("peer", peer)
	log.Debug("tracker: connection accepted")

	defer func() {
		s.store.Disconnect(peer)
		peersReaped.Inc()
		conn.Close()
		log.Debug("tracker: peer reaped on disconnect")
	}()

	r := control.NewReader(conn)
	for {
		f, err := control.ReadFrame(r)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return
		}
		if err != nil {
			log.WithError(err).Warn("tracker: closing connection on protocol error")
			return
		}

		framesHandled.WithLabelValues(f.Flag.String()).Inc()
		if err := s.dispatch(conn, peer, f); err != nil {
			log.WithError(err).Warn("tracker: closing connection on protocol error")
			return
		}
	}
}

func (s *Server) dispatch(conn net.Conn, peer string, f control.Frame) error {
	switch f.Flag {
	case control.FlagADD:
		entries, err := control.DecodeEntries(f.Payload)
		if err != nil {
			return err
		}
		s.store.Add(peer, entries)
		return nil

	case control.FlagADDBlock:
		index, name, err := control.DecodeAddBlock(f.Payload)
		if err != nil {
			return err
		}
		s.store.AddBlock(peer, index, name)
		return nil

	case control.FlagLIST:
		payload := control.EncodeFileNames(s.store.List())
		return control.WriteFrame(conn, control.FlagOK, payload)

	case control.FlagFILE:
		reply := s.store.File(string(f.Payload))
		payload := control.EncodeAvailabilityReply(reply)
		return control.WriteFrame(conn, control.FlagOK, payload)

	default:
		return nil
	}
}
