// Package rangeset implements the Position/Range/RangeList algebra that the
// swarm scheduler uses to track owned, in-flight, and peer-available byte
// ranges of a torrent.
package rangeset

import "fmt"

// Position is a byte location inside the torrent, addressed as a piece index
// and a byte offset within that piece. Positions are totally ordered
// lexicographically on (Piece, Offset).
type Position struct {
	Piece  uint32
	Offset uint32
}

// Less reports whether p sorts before q.
func (p Position) Less(q Position) bool {
	if p.Piece != q.Piece {
		return p.Piece < q.Piece
	}
	return p.Offset < q.Offset
}

// Equal reports structural equality.
func (p Position) Equal(q Position) bool {
	return p.Piece == q.Piece && p.Offset == q.Offset
}

func (p Position) String() string {
	return fmt.Sprintf("(%d,%d)", p.Piece, p.Offset)
}

// PieceStart returns the Position at the start of piece index.
func PieceStart(index uint32) Position { return Position{Piece: index, Offset: 0} }

// PieceEnd returns the Position at the start of piece index+1, i.e. the
// canonical end of a whole-piece Range.
func PieceEnd(index uint32) Position { return Position{Piece: index + 1, Offset: 0} }
