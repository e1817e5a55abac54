package groups

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestCantorPairing(t *testing.T) {
	tests := []struct {
		k1, k2 uint64
		want   uint64
	}{
		{0, 0, 0},
		{1, 2, 8},
		{2, 1, 7},
		{8, 3, 69},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CantorPairing(tt.k1, tt.k2), "CantorPairing(%d, %d)", tt.k1, tt.k2)
	}
}

func TestCantorPairingSequence_OrderIndependent(t *testing.T) {
	permutations := [][]uint64{
		{1, 2, 3},
		{1, 3, 2},
		{2, 1, 3},
		{2, 3, 1},
		{3, 1, 2},
		{3, 2, 1},
		{3, 3, 1, 2, 1},
	}
	for _, ids := range permutations {
		assert.Equal(t, uint64(69), CantorPairingSequence(ids), "ids %v", ids)
	}
	assert.Equal(t, uint64(0), CantorPairingSequence(nil))
	assert.Equal(t, uint64(7), CantorPairingSequence([]uint64{7}))
}

func TestReduce(t *testing.T) {
	tests := []struct {
		name string
		raw  map[uint64][]uint64
		want Groups
	}{
		{
			name: "chain collapses into one group",
			raw:  map[uint64][]uint64{1: {2}, 2: {1, 3}, 3: {2}},
			want: Groups{1: {1, 2, 3}},
		},
		{
			name: "disjoint groups stay apart",
			raw:  map[uint64][]uint64{1: {2}, 2: {1}, 5: {6}, 6: {5}},
			want: Groups{1: {1, 2}, 5: {5, 6}},
		},
		{
			name: "members not listed as keys are kept",
			raw:  map[uint64][]uint64{9: {4, 4, 7}},
			want: Groups{4: {4, 7, 9}},
		},
		{
			name: "cycles terminate",
			raw:  map[uint64][]uint64{1: {2}, 2: {3}, 3: {1}},
			want: Groups{1: {1, 2, 3}},
		},
		{
			name: "empty",
			raw:  map[uint64][]uint64{},
			want: Groups{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reduce(tt.raw)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Reduce mismatch (-want +got):\n%s", diff)
			}

			again := Reduce(map[uint64][]uint64(got))
			if diff := cmp.Diff(got, again); diff != "" {
				t.Errorf("second Reduce changed groups (-first +second):\n%s", diff)
			}
		})
	}
}

func TestGenerateGroups(t *testing.T) {
	got := GenerateGroups(map[uint64][]uint64{3: {1}, 1: {3, 2}, 2: {1}})
	if diff := cmp.Diff(Groups{69: {1, 2, 3}}, got); diff != "" {
		t.Errorf("GenerateGroups mismatch (-want +got):\n%s", diff)
	}
}

func TestInstantDetector_Detect(t *testing.T) {
	d := NewInstantDetector(DefaultInstantConfig())

	frame := Frame{
		1: {X: 0},
		2: {X: 0.5},
		3: {X: 1.0},
		7: {X: 5},
		8: {X: 5, Z: 0.3},
	}
	want := Groups{
		69:  {1, 2, 3},
		128: {7, 8},
	}
	if diff := cmp.Diff(want, d.Detect(frame)); diff != "" {
		t.Errorf("Detect mismatch (-want +got):\n%s", diff)
	}

	assert.Empty(t, d.Detect(Frame{1: {}, 2: {X: 3}}))
	assert.Empty(t, d.Detect(Frame{}))
}

func TestInstantDetector_SameMembersSameID(t *testing.T) {
	d := NewInstantDetector(DefaultInstantConfig())

	// the same three bodies placed in different orders along the line
	layouts := [][3]float64{
		{0, 0.5, 1},
		{1, 0, 0.5},
		{0.5, 1, 0},
	}
	for _, x := range layouts {
		frame := Frame{4: r3.Vec{X: x[0]}, 9: r3.Vec{X: x[1]}, 2: r3.Vec{X: x[2]}}
		got := d.Detect(frame)
		want := Groups{CantorPairingSequence([]uint64{2, 4, 9}): {2, 4, 9}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("layout %v (-want +got):\n%s", x, diff)
		}
	}
}
