// Package metainfo parses a .torrent file into the structure the peer swarm
// engine consumes as an opaque external interface (spec §6). Bencode
// decoding of the file and of tracker replies is explicitly out of the
// engine's core scope; this package is the adapter that performs it.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"strconv"

	bencode "github.com/jackpal/bencode-go"
)

// Sentinel errors for MetainfoError (spec §7): bencode parse failure or
// missing required keys are both fatal at startup.
var (
	ErrNoInfoDict    = errors.New("metainfo: no info dictionary")
	ErrMalformedInfo = errors.New("metainfo: malformed info dictionary")
)

// rawFile mirrors the bencoded "files" list entries of a multi-file torrent.
type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawInfo mirrors the bencoded "info" dictionary.
type rawInfo struct {
	Name        string    `bencode:"name"`
	PieceLength int64     `bencode:"piece length"`
	Pieces      string    `bencode:"pieces"`
	Length      int64     `bencode:"length"`
	Files       []rawFile `bencode:"files"`
}

// rawMetainfo mirrors the top-level bencoded .torrent dictionary.
type rawMetainfo struct {
	Announce string  `bencode:"announce"`
	Info     rawInfo `bencode:"info"`
}

// File describes one file of a multi-file torrent, relative to the
// torrent's root directory.
type File struct {
	Length int64
	Path   []string
}

// Info is the engine-facing view of the metainfo's info dictionary.
type Info struct {
	Name        string
	PieceLength uint32
	// Pieces holds one SHA-1 digest per piece, in order.
	Pieces [][sha1.Size]byte
	// Length is the single-file torrent's total length, or zero for a
	// multi-file torrent (use Files instead).
	Length int64
	Files  []File
}

// TotalLength returns the sum of all file lengths.
func (i Info) TotalLength() uint64 {
	if i.Length > 0 {
		return uint64(i.Length)
	}
	var total int64
	for _, f := range i.Files {
		total += f.Length
	}
	return uint64(total)
}

// Metainfo is the parsed, typed view of a .torrent file, per spec §6's
// external-interface contract.
type Metainfo struct {
	Announce string
	InfoHash [20]byte
	Info     Info
}

// Parse reads and decodes the .torrent file at path.
func Parse(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: read %s: %w", path, err)
	}
	return ParseBytes(data)
}

// ParseBytes decodes a .torrent file already read into memory.
func ParseBytes(data []byte) (*Metainfo, error) {
	var raw rawMetainfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("metainfo: decode: %w", err)
	}
	if raw.Announce == "" {
		return nil, fmt.Errorf("%w: missing announce", ErrMalformedInfo)
	}
	if raw.Info.PieceLength <= 0 || len(raw.Info.Pieces) == 0 {
		return nil, fmt.Errorf("%w: missing piece data", ErrMalformedInfo)
	}
	if len(raw.Info.Pieces)%sha1.Size != 0 {
		return nil, fmt.Errorf("%w: pieces length %d not a multiple of %d", ErrMalformedInfo, len(raw.Info.Pieces), sha1.Size)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoInfoDict, err)
	}

	pieces := make([][sha1.Size]byte, len(raw.Info.Pieces)/sha1.Size)
	for i := range pieces {
		copy(pieces[i][:], raw.Info.Pieces[i*sha1.Size:(i+1)*sha1.Size])
	}

	files := make([]File, len(raw.Info.Files))
	for i, f := range raw.Info.Files {
		files[i] = File{Length: f.Length, Path: f.Path}
	}

	return &Metainfo{
		Announce: raw.Announce,
		InfoHash: sha1.Sum(infoBytes),
		Info: Info{
			Name:        raw.Info.Name,
			PieceLength: uint32(raw.Info.PieceLength),
			Pieces:      pieces,
			Length:      raw.Info.Length,
			Files:       files,
		},
	}, nil
}

// extractInfoBytes locates the raw bencoded bytes of the top-level "info"
// dictionary by scanning for the "4:info" key and walking the bencode
// grammar from there, tracking dict/list nesting depth and skipping over
// length-prefixed strings and integers. This avoids re-encoding the parsed
// struct (which would not reproduce the original byte-for-byte ordering)
// just to compute the info hash.
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, errors.New("no \"4:info\" key found")
	}
	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		switch b := data[i]; b {
		case 'd', 'l':
			depth++
		case 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at %d", i)
			}
			i = j
		default:
			if b >= '0' && b <= '9' {
				j := i
				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}
				if j < len(data) && data[j] == ':' {
					length, err := strconv.Atoi(string(data[i:j]))
					if err != nil {
						return nil, fmt.Errorf("invalid string length at %d", i)
					}
					i = j + length
				}
			}
		}
	}
	return nil, errors.New("unterminated info dictionary")
}
