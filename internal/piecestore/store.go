// Package piecestore implements the piece-assembly collaborator spec §6
// names: block accumulation, SHA-1 verification against the metainfo's
// piece hashes, and on-disk persistence across single- or multi-file
// torrents. It is deliberately outside the engine's core; the handler
// drives it through StoreBlock, and PieceComplete reports a piece's state
// on demand.
package piecestore

import (
	"crypto/sha1"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/arrowsmith/gorrent/internal/metainfo"
)

// Result reports the outcome of a piece that just finished accumulating all
// of its blocks.
type Result struct {
	Index    uint32
	Verified bool
}

type pieceBuffer struct {
	mu       sync.Mutex
	size     int
	received int
	blocks   map[uint32][]byte
	done     bool
	verified bool
}

type datafile struct {
	f      *os.File
	offset int64
	length int64
	path   string
}

// Store accumulates blocks per piece, verifies completed pieces against
// their SHA-1 digest, and persists them to the on-disk file layout implied
// by the torrent's single- or multi-file metainfo.
type Store struct {
	log *slog.Logger

	mu      sync.RWMutex
	buffers map[uint32]*pieceBuffer

	pieceHashes [][sha1.Size]byte
	pieceLength uint32
	totalLength uint64
	files       []*datafile
}

// New constructs a Store that persists into downloadDir, creating
// directories and pre-sized files as needed.
func New(mi *metainfo.Metainfo, downloadDir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "piecestore")

	files, err := setupFiles(mi, downloadDir)
	if err != nil {
		return nil, fmt.Errorf("piecestore: setup files: %w", err)
	}

	return &Store{
		log:         log,
		buffers:     make(map[uint32]*pieceBuffer),
		pieceHashes: mi.Info.Pieces,
		pieceLength: mi.Info.PieceLength,
		totalLength: mi.Info.TotalLength(),
		files:       files,
	}, nil
}

// pieceSize returns the byte length of piece index, accounting for a
// shorter final piece.
func (s *Store) pieceSize(index uint32) int {
	start := uint64(index) * uint64(s.pieceLength)
	if start+uint64(s.pieceLength) > s.totalLength {
		return int(s.totalLength - start)
	}
	return int(s.pieceLength)
}

// StoreBlock records one block of a piece. It is idempotent: a duplicate
// block (same piece, same begin) is silently ignored. When the block
// completes the piece's accumulation, it verifies against the piece's
// SHA-1 digest, persists the piece to disk on success, and returns
// (result, true). Otherwise it returns (Result{}, false).
func (s *Store) StoreBlock(index, begin uint32, data []byte) (Result, bool, error) {
	s.mu.Lock()
	buf, exists := s.buffers[index]
	if !exists {
		buf = &pieceBuffer{size: s.pieceSize(index), blocks: make(map[uint32][]byte)}
		s.buffers[index] = buf
	}
	s.mu.Unlock()

	buf.mu.Lock()
	if buf.done {
		buf.mu.Unlock()
		return Result{}, false, nil
	}
	if _, dup := buf.blocks[begin]; dup {
		buf.mu.Unlock()
		return Result{}, false, nil
	}

	buf.blocks[begin] = append([]byte(nil), data...)
	buf.received += len(data)

	if buf.received < buf.size {
		buf.mu.Unlock()
		return Result{}, false, nil
	}

	assembled := make([]byte, buf.size)
	for begin, block := range buf.blocks {
		copy(assembled[begin:], block)
	}
	buf.mu.Unlock()

	verified := sha1.Sum(assembled) == s.pieceHashes[index]

	if verified {
		if err := s.writePiece(index, assembled); err != nil {
			return Result{}, false, fmt.Errorf("piecestore: write piece %d: %w", index, err)
		}
	}

	buf.mu.Lock()
	buf.done = true
	buf.verified = verified
	if !verified {
		// Drop the buffer so a re-requested piece starts clean.
		buf.blocks = make(map[uint32][]byte)
		buf.received = 0
		buf.done = false
	}
	buf.mu.Unlock()

	return Result{Index: index, Verified: verified}, true, nil
}

// PieceComplete reports whether piece index has finished accumulating and,
// if so, whether it passed verification. The second return value is false
// if the piece is still in progress or unknown.
func (s *Store) PieceComplete(index uint32) (verified bool, done bool) {
	s.mu.RLock()
	buf, exists := s.buffers[index]
	s.mu.RUnlock()
	if !exists {
		return false, false
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.verified, buf.done
}

func (s *Store) writePiece(index uint32, data []byte) error {
	pieceStart := int64(index) * int64(s.pieceLength)
	pieceEnd := pieceStart + int64(len(data))

	for _, file := range s.files {
		fileStart := file.offset
		fileEnd := fileStart + file.length

		overlapStart := max(pieceStart, fileStart)
		overlapEnd := min(pieceEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		writeLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileStart
		offsetInData := overlapStart - pieceStart

		n, err := file.f.WriteAt(data[offsetInData:offsetInData+writeLen], offsetInFile)
		if err != nil {
			return fmt.Errorf("write %s: %w", file.path, err)
		}
		if int64(n) != writeLen {
			return fmt.Errorf("short write to %s: wrote %d, want %d", file.path, n, writeLen)
		}
	}

	return nil
}

func setupFiles(mi *metainfo.Metainfo, downloadDir string) ([]*datafile, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, err
	}

	if mi.Info.Length > 0 {
		path := filepath.Join(downloadDir, mi.Info.Name)
		df, err := createFileMapping(path, mi.Info.Length, 0)
		if err != nil {
			return nil, err
		}
		return []*datafile{df}, nil
	}

	var (
		offset int64
		files  []*datafile
	)
	for _, f := range mi.Info.Files {
		path := filepath.Join(append([]string{downloadDir, mi.Info.Name}, f.Path...)...)
		df, err := createFileMapping(path, f.Length, offset)
		if err != nil {
			return nil, err
		}
		files = append(files, df)
		offset += f.Length
	}
	return files, nil
}

func createFileMapping(path string, size, offset int64) (*datafile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return &datafile{f: f, offset: offset, length: size, path: path}, nil
}
