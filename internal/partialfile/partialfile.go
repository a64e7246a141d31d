// Package partialfile implements the on-disk representation of a file
// under construction (spec C3): a fixed-size payload area followed by a
// trailer recording which blocks have been written, so a download can
// resume and so a node can reseed blocks it already has.
package partialfile

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/mccartykim/fileswarm/internal/blockspec"
)

// Suffix marks a file as partial in the shared directory: a reserved name
// of the form ".name.part".
const Suffix = ".part"

var (
	ErrBlockNotAvailable = errors.New("partialfile: block not yet written")
	ErrBlockTooLarge     = errors.New("partialfile: block exceeds MAX_BLOCK")
	ErrTrailerCorrupt    = errors.New("partialfile: trailer fails length invariant")
)

// PartialFile wraps one file under construction on disk.
type PartialFile struct {
	mu         sync.Mutex
	f          *os.File
	path       string
	fileSize   uint64
	blockCount uint32
	lastSize   uint16
}

// trailerLen is the byte length of the trailer for a given block count:
// one status byte per block, plus last-block-size(2) and block-count(4).
func trailerLen(blockCount uint32) int64 {
	return int64(blockCount) + 6
}

func payloadLen(blockCount uint32) int64 {
	return int64(blockCount) * blockspec.MaxBlock
}

// Create allocates a new partial file at path sized for fileSize bytes,
// with an all-zero ('0') status bitmap.
func Create(path string, fileSize uint64) (*PartialFile, error) {
	blockCount := blockspec.Count(fileSize)
	lastSize := blockspec.LastSize(fileSize)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "partialfile: create parent dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "partialfile: create")
	}

	total := payloadLen(blockCount) + trailerLen(blockCount)
	if err := f.Truncate(total); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "partialfile: truncate")
	}

	pf := &PartialFile{f: f, path: path, fileSize: fileSize, blockCount: blockCount, lastSize: lastSize}
	if err := pf.writeTrailerHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return pf, nil
}

// writeTrailerHeader writes an all-'0' status bitmap plus the fixed
// last-block-size and block-count fields that follow it.
func (p *PartialFile) writeTrailerHeader() error {
	status := make([]byte, p.blockCount)
	for i := range status {
		status[i] = '0'
	}
	tail := make([]byte, 6)
	le16(tail[0:2], p.lastSize)
	le32(tail[2:6], p.blockCount)

	if _, err := p.f.WriteAt(status, payloadLen(p.blockCount)); err != nil {
		return errors.Wrap(err, "partialfile: write status bitmap")
	}
	if _, err := p.f.WriteAt(tail, payloadLen(p.blockCount)+int64(p.blockCount)); err != nil {
		return errors.Wrap(err, "partialfile: write trailer tail")
	}
	return p.f.Sync()
}

// Open recovers an existing partial file from disk by reading its trailer.
func Open(path string) (*PartialFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "partialfile: open")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "partialfile: stat")
	}

	if info.Size() < 6 {
		f.Close()
		return nil, ErrTrailerCorrupt
	}
	tail := make([]byte, 6)
	if _, err := f.ReadAt(tail, info.Size()-6); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "partialfile: read trailer tail")
	}
	lastSize := getLE16(tail[0:2])
	blockCount := getLE32(tail[2:6])

	if info.Size() != payloadLen(blockCount)+trailerLen(blockCount) {
		f.Close()
		return nil, ErrTrailerCorrupt
	}

	fileSize := uint64(0)
	if blockCount > 0 {
		fileSize = uint64(blockCount-1)*blockspec.MaxBlock + uint64(lastSize)
	}

	return &PartialFile{f: f, path: path, fileSize: fileSize, blockCount: blockCount, lastSize: lastSize}, nil
}

// BlockCount, FileSize, Path expose read-only metadata.
func (p *PartialFile) BlockCount() uint32 { return p.blockCount }
func (p *PartialFile) FileSize() uint64   { return p.fileSize }
func (p *PartialFile) Path() string       { return p.path }

func (p *PartialFile) blockLen(index uint32) int {
	if index == p.blockCount-1 {
		return int(p.lastSize)
	}
	return blockspec.MaxBlock
}

// WriteBlock persists one block and marks its trailer status byte.
// Writing an already-completed block is a no-op that still returns nil.
// Both writes are fsync'd together before returning success.
func (p *PartialFile) WriteBlock(index uint32, data []byte) error {
	if index >= p.blockCount {
		return errors.Errorf("partialfile: block index %d out of range (block_count=%d)", index, p.blockCount)
	}
	want := p.blockLen(index)
	if len(data) > want {
		return errors.Wrapf(ErrBlockTooLarge, "block %d: got %d bytes, want at most %d", index, len(data), want)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	already, err := p.statusByte(index)
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	if _, err := p.f.WriteAt(data, int64(index)*blockspec.MaxBlock); err != nil {
		return errors.Wrapf(err, "partialfile: write block %d", index)
	}
	if _, err := p.f.WriteAt([]byte{'1'}, payloadLen(p.blockCount)+int64(index)); err != nil {
		return errors.Wrapf(err, "partialfile: write status byte %d", index)
	}
	return p.f.Sync()
}

// ReadBlock returns the bytes of block index. If the file is not complete,
// the block must have been written already or this returns
// ErrBlockNotAvailable.
func (p *PartialFile) ReadBlock(index uint32) ([]byte, error) {
	if index >= p.blockCount {
		return nil, errors.Errorf("partialfile: block index %d out of range (block_count=%d)", index, p.blockCount)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	complete, err := p.isCompleteLocked()
	if err != nil {
		return nil, err
	}
	if !complete {
		have, err := p.statusByte(index)
		if err != nil {
			return nil, err
		}
		if !have {
			return nil, ErrBlockNotAvailable
		}
	}

	length := p.blockLen(index)
	buf := make([]byte, length)
	n, err := p.f.ReadAt(buf, int64(index)*blockspec.MaxBlock)
	if err != nil {
		return nil, errors.Wrapf(err, "partialfile: read block %d", index)
	}
	return buf[:n], nil
}

func (p *PartialFile) statusByte(index uint32) (bool, error) {
	b := make([]byte, 1)
	if _, err := p.f.ReadAt(b, payloadLen(p.blockCount)+int64(index)); err != nil {
		return false, errors.Wrapf(err, "partialfile: read status byte %d", index)
	}
	return b[0] == '1', nil
}

// HaveBitmap returns the packed have-bitmap (spec §3 InventoryEntry.Have)
// for this partial file, one bit per block, LSB-first within a byte to
// match blockspec.BitSet/SetBit.
func (p *PartialFile) HaveBitmap() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := make([]byte, p.blockCount)
	if _, err := p.f.ReadAt(status, payloadLen(p.blockCount)); err != nil {
		return nil, errors.Wrap(err, "partialfile: read status bitmap")
	}
	bitmap := make([]byte, blockspec.BitmapLen(p.blockCount))
	for i, s := range status {
		if s == '1' {
			bitmap = blockspec.SetBit(bitmap, uint32(i))
		}
	}
	return bitmap, nil
}

// IsComplete reports whether every block has been written.
func (p *PartialFile) IsComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	complete, _ := p.isCompleteLocked()
	return complete
}

func (p *PartialFile) isCompleteLocked() (bool, error) {
	status := make([]byte, p.blockCount)
	if _, err := p.f.ReadAt(status, payloadLen(p.blockCount)); err != nil {
		return false, errors.Wrap(err, "partialfile: read status bitmap")
	}
	for _, s := range status {
		if s != '1' {
			return false, nil
		}
	}
	return true, nil
}

// Promote truncates the file to its intended size and renames it to the
// final (non-partial) path, atomically within the same directory. It only
// succeeds if every block has been written.
func (p *PartialFile) Promote(finalPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	complete, err := p.isCompleteLocked()
	if err != nil {
		return err
	}
	if !complete {
		return errors.New("partialfile: cannot promote, blocks still missing")
	}

	if err := p.f.Truncate(int64(p.fileSize)); err != nil {
		return errors.Wrap(err, "partialfile: truncate for promotion")
	}
	if err := p.f.Sync(); err != nil {
		return errors.Wrap(err, "partialfile: sync before promotion")
	}
	if err := p.f.Close(); err != nil {
		return errors.Wrap(err, "partialfile: close before rename")
	}
	if err := os.Rename(p.path, finalPath); err != nil {
		return errors.Wrap(err, "partialfile: rename to complete name")
	}
	p.path = finalPath
	return nil
}

// Close releases the underlying file descriptor.
func (p *PartialFile) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.f.Close()
}

func le16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func le32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func getLE16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func getLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
