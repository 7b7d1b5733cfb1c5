package rangeset

import (
	"testing"

	"github.com/arrowsmith/gorrent/internal/bitfield"
)

func mustInsert(t *testing.T, l *List, r Range) {
	t.Helper()
	if err := l.Insert(r); err != nil {
		t.Fatalf("insert %+v: %v", r, err)
	}
}

func TestInsertCompactsAdjacent(t *testing.T) {
	l := New()
	mustInsert(t, l, Piece(0))
	mustInsert(t, l, Piece(1))
	mustInsert(t, l, Piece(2))

	if l.Len() != 1 {
		t.Fatalf("expected single compacted range, got %d: %+v", l.Len(), l.Ranges())
	}
	want := Range{Start: PieceStart(0), End: PieceEnd(2)}
	if !l.Ranges()[0].Equal(want) {
		t.Fatalf("got %+v, want %+v", l.Ranges()[0], want)
	}
}

func TestInsertRejectsOverlap(t *testing.T) {
	l := New()
	mustInsert(t, l, Piece(5))
	if err := l.Insert(Piece(5)); err == nil {
		t.Fatal("expected overlap error")
	}
}

func TestCanonicalInvariant(t *testing.T) {
	l := New()
	mustInsert(t, l, Piece(3))
	mustInsert(t, l, Piece(1))
	mustInsert(t, l, Piece(7))

	ranges := l.Ranges()
	for i := 1; i < len(ranges); i++ {
		if !ranges[i-1].Start.Less(ranges[i].Start) {
			t.Fatalf("not strictly ordered: %+v", ranges)
		}
		if ranges[i-1].End.Equal(ranges[i].Start) {
			t.Fatalf("adjacent ranges not compacted: %+v", ranges)
		}
	}
}

// S4 — Range algebra.
func TestComplementIntersectionScenarioS4(t *testing.T) {
	a := New()
	mustInsert(t, a, Range{Start: Position{0, 0}, End: Position{3, 0}})
	b := New()
	mustInsert(t, b, Range{Start: Position{0, 0}, End: Position{1, 0}})

	comp := Complement(a, b)
	wantComp := Range{Start: Position{1, 0}, End: Position{3, 0}}
	if comp.Len() != 1 || !comp.Ranges()[0].Equal(wantComp) {
		t.Fatalf("complement = %+v, want [%+v]", comp.Ranges(), wantComp)
	}

	inter := Intersection(a, b)
	wantInter := Range{Start: Position{0, 0}, End: Position{1, 0}}
	if inter.Len() != 1 || !inter.Ranges()[0].Equal(wantInter) {
		t.Fatalf("intersection = %+v, want [%+v]", inter.Ranges(), wantInter)
	}
}

// invariant 3: complement(a,b) ∩ b is always empty.
func TestComplementDisjointFromB(t *testing.T) {
	a := New()
	mustInsert(t, a, Range{Start: Position{0, 0}, End: Position{10, 0}})
	b := New()
	mustInsert(t, b, Range{Start: Position{2, 0}, End: Position{4, 0}})
	mustInsert(t, b, Range{Start: Position{6, 0}, End: Position{8, 0}})

	comp := Complement(a, b)
	if Intersection(comp, b).Len() != 0 {
		t.Fatalf("complement not disjoint from b: %+v", Intersection(comp, b).Ranges())
	}
}

// invariant 4: intersection is commutative.
func TestIntersectionCommutative(t *testing.T) {
	a := New()
	mustInsert(t, a, Range{Start: Position{0, 0}, End: Position{5, 0}})
	b := New()
	mustInsert(t, b, Range{Start: Position{3, 0}, End: Position{9, 0}})

	ab := Intersection(a, b)
	ba := Intersection(b, a)
	if !ab.Equal(ba) {
		t.Fatalf("intersection not commutative: %+v vs %+v", ab.Ranges(), ba.Ranges())
	}
}

// S3 — Bitfield decode.
func TestFromBitfieldScenarioS3(t *testing.T) {
	bf := bitfield.FromBytes([]byte{0x80, 0x01})
	l, err := FromBitfield(bf, 16)
	if err != nil {
		t.Fatalf("FromBitfield: %v", err)
	}

	want := []Range{
		{Start: Position{0, 0}, End: Position{1, 0}},
		{Start: Position{15, 0}, End: Position{16, 0}},
	}
	got := l.Ranges()
	if len(got) != len(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	}
}

func TestFromBitfieldRejectsPadding(t *testing.T) {
	bf := bitfield.FromBytes([]byte{0xFF})
	if _, err := FromBitfield(bf, 4); err == nil {
		t.Fatal("expected padding error")
	}
}

// invariant 5: from_bitfield(to_bitfield(list), n) == list, round-trip.
func TestBitfieldRoundTrip(t *testing.T) {
	l := New()
	mustInsert(t, l, Piece(0))
	mustInsert(t, l, Piece(1))
	mustInsert(t, l, Piece(4))

	bf := l.ToBitfield(16)
	back, err := FromBitfield(bf, 16)
	if err != nil {
		t.Fatalf("FromBitfield: %v", err)
	}
	if !l.Equal(back) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", back.Ranges(), l.Ranges())
	}
}

func TestSliceBlockRespectsPieceBoundaryAndRangeEnd(t *testing.T) {
	l := New()
	mustInsert(t, l, Range{Start: Position{0, 0}, End: Position{4, 0}})

	r, ok := SliceBlock(l, 32768, 16384)
	if !ok {
		t.Fatal("expected a block")
	}
	want := Range{Start: Position{0, 0}, End: Position{0, 16384}}
	if !r.Equal(want) {
		t.Fatalf("got %+v, want %+v", r, want)
	}

	// Clamp to the range's end when it is shorter than a block.
	short := New()
	mustInsert(t, short, Range{Start: Position{2, 0}, End: Position{2, 100}})
	r2, ok := SliceBlock(short, 32768, 16384)
	if !ok || r2.End.Offset != 100 {
		t.Fatalf("expected clamp to range end, got %+v", r2)
	}
}

func TestSliceBlockEmptyList(t *testing.T) {
	if _, ok := SliceBlock(New(), 32768, 16384); ok {
		t.Fatal("expected no block from empty list")
	}
}
