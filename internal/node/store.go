package node

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/mccartykim/fileswarm/internal/blockspec"
	"github.com/mccartykim/fileswarm/internal/partialfile"
)

// BlockStore resolves block reads across both complete files in the
// shared directory and partial files under active download, so it can
// back both the seeder (spec C4) and a leech session's write path
// (spec C5). This is the "combined complete/partial file store" the
// seeder package's BlockStore interface expects.
type BlockStore struct {
	dir string

	mu       sync.RWMutex
	partials map[string]*partialfile.PartialFile
}

// NewBlockStore returns a store rooted at the node's shared directory.
func NewBlockStore(dir string) *BlockStore {
	return &BlockStore{dir: dir, partials: make(map[string]*partialfile.PartialFile)}
}

func (b *BlockStore) partialPath(name string) string {
	return filepath.Join(b.dir, "."+name+partialfile.Suffix)
}

func (b *BlockStore) finalPath(name string) string {
	return filepath.Join(b.dir, name)
}

// OpenForDownload creates (or reopens, if one already exists on disk) the
// partial file backing a new download of name, and registers it so the
// seeder can answer requests for blocks already received.
func (b *BlockStore) OpenForDownload(name string, fileSize uint64) (*partialfile.PartialFile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pf, ok := b.partials[name]; ok {
		return pf, nil
	}

	path := b.partialPath(name)
	var pf *partialfile.PartialFile
	var err error
	if _, statErr := os.Stat(path); statErr == nil {
		pf, err = partialfile.Open(path)
	} else {
		pf, err = partialfile.Create(path, fileSize)
	}
	if err != nil {
		return nil, err
	}
	b.partials[name] = pf
	return pf, nil
}

// Promote truncates and renames a finished download's partial file, then
// stops tracking it as partial (spec §6 "Promotion renames .X.part to X").
func (b *BlockStore) Promote(name string) error {
	b.mu.Lock()
	pf, ok := b.partials[name]
	b.mu.Unlock()
	if !ok {
		return errors.Errorf("node: %s is not an active download", name)
	}

	if err := pf.Promote(b.finalPath(name)); err != nil {
		return err
	}

	b.mu.Lock()
	delete(b.partials, name)
	b.mu.Unlock()
	return nil
}

// ReadBlock satisfies seeder.BlockStore: it reads from an active partial
// download if one is registered for name, else from the complete file in
// the shared directory.
func (b *BlockStore) ReadBlock(name string, index uint32) ([]byte, error) {
	b.mu.RLock()
	pf, ok := b.partials[name]
	b.mu.RUnlock()
	if ok {
		return pf.ReadBlock(index)
	}
	return b.readCompleteBlock(name, index)
}

func (b *BlockStore) readCompleteBlock(name string, index uint32) ([]byte, error) {
	path := b.finalPath(name)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "node: open %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "node: stat %s", path)
	}
	size := uint64(info.Size())
	blockCount := blockspec.Count(size)
	if index >= blockCount {
		return nil, errors.Errorf("node: block %d out of range for %s (block_count=%d)", index, name, blockCount)
	}

	length := blockspec.MaxBlock
	if index == blockCount-1 {
		length = int(blockspec.LastSize(size))
	}
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, int64(index)*blockspec.MaxBlock)
	if err != nil {
		return nil, errors.Wrapf(err, "node: read block %d of %s", index, name)
	}
	return buf[:n], nil
}
