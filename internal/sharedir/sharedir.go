// Package sharedir scans a node's shared directory into inventory
// entries and watches it for changes (spec §6 "Shared directory";
// config-file parsing and the interactive shell that call into this
// package are explicitly out of scope — spec §1 Non-goals).
package sharedir

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mccartykim/fileswarm/internal/control"
	"github.com/mccartykim/fileswarm/internal/partialfile"
)

// PartialSuffix marks an in-progress file: name begins with "." and ends
// with ".part", e.g. ".movie.mkv.part".
const PartialSuffix = partialfile.Suffix

// IsPartialName reports whether base (a bare file name, no directory
// component) is a reserved partial-file name.
func IsPartialName(base string) bool {
	return strings.HasPrefix(base, ".") && strings.HasSuffix(base, PartialSuffix)
}

// DisplayName strips the partial decoration to recover the name a
// complete file would have: ".movie.mkv.part" -> "movie.mkv".
func DisplayName(base string) string {
	trimmed := strings.TrimSuffix(base, PartialSuffix)
	return strings.TrimPrefix(trimmed, ".")
}

// Scan walks dir non-recursively and builds one inventory entry per
// regular file: partial files contribute their trailer-recovered
// bitmap, complete files contribute a full entry (spec §6).
func Scan(dir string) ([]control.InventoryEntry, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "sharedir: read %s", dir)
	}

	var out []control.InventoryEntry
	for _, d := range ents {
		if d.IsDir() {
			continue
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		path := filepath.Join(dir, d.Name())
		if IsPartialName(d.Name()) {
			entry, err := partialEntry(path, DisplayName(d.Name()))
			if err != nil {
				return nil, err
			}
			out = append(out, entry)
			continue
		}
		out = append(out, control.InventoryEntry{Name: d.Name(), Size: uint64(info.Size()), Complete: true})
	}
	return out, nil
}

func partialEntry(path, name string) (control.InventoryEntry, error) {
	pf, err := partialfile.Open(path)
	if err != nil {
		return control.InventoryEntry{}, errors.Wrapf(err, "sharedir: open partial %s", path)
	}
	defer pf.Close()

	bitmap, err := pf.HaveBitmap()
	if err != nil {
		return control.InventoryEntry{}, errors.Wrapf(err, "sharedir: read bitmap %s", path)
	}
	return control.InventoryEntry{
		Name:     name,
		Size:     pf.FileSize(),
		Complete: false,
		Have:     bitmap,
	}, nil
}

// Watcher re-scans dir whenever fsnotify reports a change, pushing the
// fresh inventory to Changes. Directory watching is an ambient addition
// beyond the core scan (spec §1 lists the config file and shell as
// external collaborators, not the rescan itself).
type Watcher struct {
	dir     string
	fw      *fsnotify.Watcher
	Changes chan []control.InventoryEntry
	log     *logrus.Entry
	stop    chan struct{}
}

// NewWatcher starts watching dir for create/remove/rename/write events.
func NewWatcher(dir string, log *logrus.Entry) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "sharedir: create fsnotify watcher")
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "sharedir: watch %s", dir)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	w := &Watcher{
		dir:     dir,
		fw:      fw,
		Changes: make(chan []control.InventoryEntry, 1),
		log:     log,
		stop:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			entries, err := Scan(w.dir)
			if err != nil {
				w.log.WithError(err).Warn("sharedir: rescan failed")
				continue
			}
			select {
			case w.Changes <- entries:
			default:
				// Drop the stale signal; the next event will rescan anyway.
				<-w.Changes
				w.Changes <- entries
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("sharedir: watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stop)
	return w.fw.Close()
}
