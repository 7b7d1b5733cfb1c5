package rangeset

import (
	"errors"
	"sort"

	"github.com/arrowsmith/gorrent/internal/bitfield"
)

// ErrOverlap is returned by Insert when the inserted range overlaps an
// existing member of the list.
var ErrOverlap = errors.New("rangeset: range overlaps existing entry")

// ErrEmptyRange is returned by Insert for a degenerate range.
var ErrEmptyRange = errors.New("rangeset: range is empty")

// ErrBitfieldPadding is returned by FromBitfield when a trailing padding bit
// beyond total_pieces is set; the wire protocol requires those bits be zero.
var ErrBitfieldPadding = errors.New("rangeset: non-zero bitfield padding bit")

// List is a sequence of Ranges maintained sorted by Start, pairwise
// disjoint, and compacted: no two adjacent entries touch at a common
// endpoint. The zero value is an empty, canonical list. List is not safe for
// concurrent use; callers serialize access (e.g. under SwarmState's lock).
type List struct {
	ranges []Range
}

// New returns an empty, canonical List.
func New() *List { return &List{} }

// Len returns the number of ranges in the list.
func (l *List) Len() int { return len(l.ranges) }

// Ranges returns the list's ranges in sorted order. The returned slice must
// not be mutated.
func (l *List) Ranges() []Range { return l.ranges }

// Clone returns an independent deep copy.
func (l *List) Clone() *List {
	c := &List{ranges: make([]Range, len(l.ranges))}
	copy(c.ranges, l.ranges)
	return c
}

// Equal reports whether l and o contain the same ranges in the same order.
func (l *List) Equal(o *List) bool {
	if len(l.ranges) != len(o.ranges) {
		return false
	}
	for i := range l.ranges {
		if !l.ranges[i].Equal(o.ranges[i]) {
			return false
		}
	}
	return true
}

// Insert places r into the list, preserving sort order and disjointness,
// then compacts any newly-adjacent neighbors. It fails with ErrOverlap if r
// overlaps an existing entry, and with ErrEmptyRange if r is degenerate.
func (l *List) Insert(r Range) error {
	if r.Empty() {
		return ErrEmptyRange
	}

	idx := sort.Search(len(l.ranges), func(i int) bool {
		return !l.ranges[i].Start.Less(r.Start)
	})

	if idx > 0 && l.ranges[idx-1].Overlaps(r) {
		return ErrOverlap
	}
	if idx < len(l.ranges) && l.ranges[idx].Overlaps(r) {
		return ErrOverlap
	}

	l.ranges = append(l.ranges, Range{})
	copy(l.ranges[idx+1:], l.ranges[idx:])
	l.ranges[idx] = r

	l.compact(idx)

	return nil
}

// compact merges the range at index i with its immediate left and right
// neighbors if they touch. i must be a valid index into l.ranges.
func (l *List) compact(i int) {
	if i+1 < len(l.ranges) && l.ranges[i].End.Equal(l.ranges[i+1].Start) {
		l.ranges[i].End = l.ranges[i+1].End
		l.ranges = append(l.ranges[:i+1], l.ranges[i+2:]...)
	}
	if i > 0 && l.ranges[i-1].End.Equal(l.ranges[i].Start) {
		l.ranges[i-1].End = l.ranges[i].End
		l.ranges = append(l.ranges[:i], l.ranges[i+1:]...)
	}
}

// Remove deletes the range equal to r from the list, if present, reporting
// whether a removal occurred.
func (l *List) Remove(r Range) bool {
	for i, e := range l.ranges {
		if e.Equal(r) {
			l.ranges = append(l.ranges[:i], l.ranges[i+1:]...)
			return true
		}
	}
	return false
}

func maxPos(a, b Position) Position {
	if a.Less(b) {
		return b
	}
	return a
}

func minPos(a, b Position) Position {
	if a.Less(b) {
		return a
	}
	return b
}

// Complement returns a \ b: the ranges in a with any byte present in b
// removed. Both a and b must be canonical; the result is canonical.
func Complement(a, b *List) *List {
	result := New()

	for _, ra := range a.ranges {
		cur := ra.Start

		for _, rb := range b.ranges {
			if !rb.Start.Less(ra.End) || !ra.Start.Less(rb.End) {
				continue
			}

			clipStart := maxPos(rb.Start, ra.Start)
			clipEnd := minPos(rb.End, ra.End)
			if !(clipStart.Less(clipEnd)) {
				continue
			}

			if cur.Less(clipStart) {
				result.ranges = append(result.ranges, Range{Start: cur, End: clipStart})
			}
			if cur.Less(clipEnd) {
				cur = clipEnd
			}
		}

		if cur.Less(ra.End) {
			result.ranges = append(result.ranges, Range{Start: cur, End: ra.End})
		}
	}

	result.canonicalize()
	return result
}

// Intersection returns a ∩ b. Both must be canonical; the result is
// canonical. Intersection(a, b) == Intersection(b, a).
func Intersection(a, b *List) *List {
	result := New()

	for _, ra := range a.ranges {
		for _, rb := range b.ranges {
			clipStart := maxPos(ra.Start, rb.Start)
			clipEnd := minPos(ra.End, rb.End)
			if clipStart.Less(clipEnd) {
				result.ranges = append(result.ranges, Range{Start: clipStart, End: clipEnd})
			}
		}
	}

	sort.Slice(result.ranges, func(i, j int) bool {
		return result.ranges[i].Start.Less(result.ranges[j].Start)
	})
	result.canonicalize()
	return result
}

// Union returns a ∪ b, assuming a and b are individually canonical and
// mutually disjoint (as owned and in_flight are guaranteed to be by
// invariant). The result is canonical.
func Union(a, b *List) *List {
	result := New()
	result.ranges = make([]Range, 0, len(a.ranges)+len(b.ranges))

	i, j := 0, 0
	for i < len(a.ranges) && j < len(b.ranges) {
		if a.ranges[i].Start.Less(b.ranges[j].Start) {
			result.ranges = append(result.ranges, a.ranges[i])
			i++
		} else {
			result.ranges = append(result.ranges, b.ranges[j])
			j++
		}
	}
	result.ranges = append(result.ranges, a.ranges[i:]...)
	result.ranges = append(result.ranges, b.ranges[j:]...)

	result.canonicalize()
	return result
}

// canonicalize merges any adjacent touching ranges left over from a
// construction that appended fragments in sorted order without calling
// Insert. The slice must already be sorted by Start and pairwise disjoint.
func (l *List) canonicalize() {
	if len(l.ranges) < 2 {
		return
	}
	merged := l.ranges[:1]
	for _, r := range l.ranges[1:] {
		last := &merged[len(merged)-1]
		if last.End.Equal(r.Start) {
			last.End = r.End
			continue
		}
		merged = append(merged, r)
	}
	l.ranges = merged
}

// FromBitfield converts a peer's Bitfield message into a RangeList of
// whole-piece Ranges, one per set bit, compacted where consecutive pieces
// are both set. Bit k of byte i (MSB-first) denotes piece i*8+k. Any set bit
// at index >= totalPieces is a protocol error.
func FromBitfield(bf bitfield.Bitfield, totalPieces int) (*List, error) {
	if !bf.TrailingClear(totalPieces) {
		return nil, ErrBitfieldPadding
	}

	l := New()
	for i := 0; i < totalPieces; i++ {
		if !bf.Has(i) {
			continue
		}
		// Consecutive set bits are inserted as individual whole-piece
		// ranges; Insert's compaction merges touching neighbors so a
		// run of consecutive pieces collapses into one Range.
		if err := l.Insert(Piece(uint32(i))); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// ToBitfield renders a canonical, piece-aligned List back into a Bitfield
// covering totalPieces bits. Ranges must begin and end on piece boundaries;
// this holds for any List built solely from FromBitfield or from whole-piece
// Have insertions, which is the only use in this engine.
func (l *List) ToBitfield(totalPieces int) bitfield.Bitfield {
	bf := bitfield.New(totalPieces)
	for _, r := range l.ranges {
		for p := r.Start.Piece; p < r.End.Piece; p++ {
			if int(p) < totalPieces {
				bf.Set(int(p))
			}
		}
	}
	return bf
}

// SliceBlock returns the first block-sized Range starting at the list's
// first entry's Start, never crossing a piece boundary and never exceeding
// that entry's End. Reports false if the list is empty.
func SliceBlock(l *List, pieceLength, blockSize uint32) (Range, bool) {
	if len(l.ranges) == 0 {
		return Range{}, false
	}

	first := l.ranges[0]
	start := first.Start

	end := Position{Piece: start.Piece, Offset: start.Offset + blockSize}
	if end.Offset >= pieceLength {
		end = Position{Piece: start.Piece + 1, Offset: 0}
	}
	if first.End.Less(end) {
		end = first.End
	}

	return Range{Start: start, End: end}, true
}

// DefaultBlockSize is the conventional request granularity (16 KiB).
const DefaultBlockSize = 16384
