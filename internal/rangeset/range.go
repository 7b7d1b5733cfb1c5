package rangeset

// Range is a half-open interval [Start, End) of Positions. The canonical
// form requires Start < End, and End.Offset < pieceLength unless
// End.Offset == 0 (the "piece boundary" form used by whole-piece ranges and
// by ranges that span into the following piece).
type Range struct {
	Start Position
	End   Position
}

// Piece returns the canonical whole-piece Range [(index,0),(index+1,0)).
func Piece(index uint32) Range {
	return Range{Start: PieceStart(index), End: PieceEnd(index)}
}

// Equal reports structural equality.
func (r Range) Equal(o Range) bool {
	return r.Start.Equal(o.Start) && r.End.Equal(o.End)
}

// Empty reports whether the range is degenerate (Start >= End).
func (r Range) Empty() bool {
	return !r.Start.Less(r.End)
}

// Overlaps reports whether r and o share any byte.
func (r Range) Overlaps(o Range) bool {
	return r.Start.Less(o.End) && o.Start.Less(r.End)
}

// Touches reports whether r.End == o.Start or o.End == r.Start, i.e. the two
// ranges are adjacent and should be compacted into one.
func (r Range) Touches(o Range) bool {
	return r.End.Equal(o.Start) || o.End.Equal(r.Start)
}

// ByteCount returns the number of bytes spanned by r, given the torrent's
// (uniform) piece length. Ranges that cross piece boundaries are supported:
// the byte count accounts for every whole piece strictly between Start.Piece
// and End.Piece.
func (r Range) ByteCount(pieceLength uint32) uint64 {
	if r.Start.Piece == r.End.Piece {
		return uint64(r.End.Offset - r.Start.Offset)
	}

	head := uint64(pieceLength - r.Start.Offset)
	tail := uint64(r.End.Offset)
	middlePieces := uint64(r.End.Piece - r.Start.Piece - 1)

	return head + middlePieces*uint64(pieceLength) + tail
}

// Before reports whether r sorts entirely before o (r.End <= o.Start).
func (r Range) Before(o Range) bool {
	return !o.Start.Less(r.End)
}
