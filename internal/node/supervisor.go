package node

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mccartykim/fileswarm/internal/leecher"
	"github.com/mccartykim/fileswarm/internal/seeder"
	"github.com/mccartykim/fileswarm/internal/sharedir"
)

// Supervisor wires the control client, shared-directory store, seeder,
// and leecher together for one running node (spec C7).
type Supervisor struct {
	Dir        string
	SeederAddr string
	MaxWorkers int
	Log        *logrus.Entry

	client  *Client
	store   *BlockStore
	seeder  *seeder.Seeder
	watcher *sharedir.Watcher
}

// Start connects to the tracker, announces the shared directory's
// inventory, and starts the seeder (spec §7 steps 1-2).
func Start(trackerAddr, dir, seederAddr string, maxWorkers int, log *logrus.Entry) (*Supervisor, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	client, err := Dial(trackerAddr, log.WithField("component", "control"))
	if err != nil {
		return nil, err
	}

	entries, err := sharedir.Scan(dir)
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := client.Add(entries); err != nil {
		client.Close()
		return nil, err
	}

	store := NewBlockStore(dir)
	sd, err := seeder.New(seederAddr, store, seeder.DefaultWorkers, log.WithField("component", "seeder"))
	if err != nil {
		client.Close()
		return nil, err
	}
	go sd.Serve()

	watcher, err := sharedir.NewWatcher(dir, log.WithField("component", "sharedir"))
	if err != nil {
		log.WithError(err).Warn("node: directory watch unavailable, continuing without live rescan")
	}

	s := &Supervisor{
		Dir:        dir,
		SeederAddr: seederAddr,
		MaxWorkers: maxWorkers,
		Log:        log,
		client:     client,
		store:      store,
		seeder:     sd,
		watcher:    watcher,
	}
	if watcher != nil {
		go s.watchLoop()
	}
	return s, nil
}

func (s *Supervisor) watchLoop() {
	for entries := range s.watcher.Changes {
		if err := s.client.Add(entries); err != nil {
			s.Log.WithError(err).Warn("node: re-announce after rescan failed")
		}
	}
}

// List requests the tracker's directory (CLI "list" command, spec §6).
func (s *Supervisor) List() ([]string, error) {
	return s.client.List()
}

// Fetch requests availability for name and, if any peer holds it, runs a
// download to completion (CLI "file" command, spec §6).
func (s *Supervisor) Fetch(name string) (bool, error) {
	reply, err := s.client.File(name)
	if err != nil {
		return false, err
	}
	if len(reply.FullHolders) == 0 && len(reply.BlockHolders) == 0 {
		return false, errors.Errorf("node: %q has no known holders", name)
	}

	seederPort, err := portOf(s.SeederAddr)
	if err != nil {
		return false, err
	}

	partial, err := s.store.OpenForDownload(name, reply.FileSize)
	if err != nil {
		return false, err
	}

	st := leecher.NewState(name, reply)
	sess := &leecher.Session{
		State:      st,
		Partial:    partial,
		Announce:   s.client,
		SeederPort: seederPort,
		MaxWorkers: s.MaxWorkers,
		Log:        s.Log.WithField("component", "leecher"),
	}

	done, err := sess.Run()
	if err != nil {
		return false, err
	}
	if !done {
		return false, nil
	}
	return true, s.store.Promote(name)
}

func portOf(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, errors.Wrapf(err, "node: parse seeder address %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, errors.Wrapf(err, "node: parse seeder port from %q", addr)
	}
	return port, nil
}

// Close tears down the control connection, seeder, and watcher.
func (s *Supervisor) Close() error {
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.seeder.Close()
	return s.client.Close()
}
