package piecestore

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/arrowsmith/gorrent/internal/metainfo"
)

func singleFileMetainfo(t *testing.T, pieceLen uint32, content []byte) *metainfo.Metainfo {
	t.Helper()
	hash := sha1.Sum(content)
	return &metainfo.Metainfo{
		Announce: "http://tracker.example/announce",
		Info: metainfo.Info{
			Name:        "file.bin",
			PieceLength: pieceLen,
			Pieces:      [][sha1.Size]byte{hash},
			Length:      int64(len(content)),
		},
	}
}

func TestStoreBlockAssemblesAndVerifies(t *testing.T) {
	dir := t.TempDir()
	content := []byte("0123456789abcdef") // 16 bytes, one piece
	mi := singleFileMetainfo(t, 16, content)

	s, err := New(mi, dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, done, err := s.StoreBlock(0, 0, content[:8])
	if err != nil || done {
		t.Fatalf("first half: done=%v err=%v", done, err)
	}

	res, done, err = s.StoreBlock(0, 8, content[8:])
	if err != nil || !done || !res.Verified {
		t.Fatalf("second half: res=%+v done=%v err=%v", res, done, err)
	}

	verified, complete := s.PieceComplete(0)
	if !complete || !verified {
		t.Fatalf("PieceComplete: verified=%v complete=%v", verified, complete)
	}

	got, err := os.ReadFile(filepath.Join(dir, "file.bin"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}

func TestStoreBlockDuplicateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	content := []byte("abcdefgh")
	mi := singleFileMetainfo(t, 8, content)

	s, err := New(mi, dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, _, err := s.StoreBlock(0, 0, content[:4]); err != nil {
		t.Fatal(err)
	}
	if _, done, err := s.StoreBlock(0, 0, content[:4]); err != nil || done {
		t.Fatalf("duplicate block should be ignored, done=%v err=%v", done, err)
	}
}

func TestStoreBlockRejectsCorruptPiece(t *testing.T) {
	dir := t.TempDir()
	content := []byte("abcdefgh")
	mi := singleFileMetainfo(t, 8, content)

	s, err := New(mi, dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	corrupt := []byte("XXXXXXXX")
	res, done, err := s.StoreBlock(0, 0, corrupt[:4])
	if err != nil || done {
		t.Fatalf("first half: done=%v err=%v", done, err)
	}
	res, done, err = s.StoreBlock(0, 4, corrupt[4:])
	if err != nil || !done || res.Verified {
		t.Fatalf("expected verification failure, got res=%+v done=%v err=%v", res, done, err)
	}
}
