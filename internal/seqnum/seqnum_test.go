package seqnum

import "testing"

func TestAheadOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b uint16
		want bool
	}{
		{"equal", 100, 100, false},
		{"one ahead", 101, 100, true},
		{"one behind", 100, 101, false},
		{"wrap forward", 0x0000, 0xFFFF, true},
		{"wrap backward", 0xFFFF, 0x0000, false},
		{"half range boundary ahead", 0x8000, 0x0000, false}, // exactly halfRange is not "ahead"
		{"just under half range", 0x7FFF, 0x0000, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			if got := AheadOf(c.a, c.b); got != c.want {
				t.Errorf("AheadOf(%#x, %#x) = %v, want %v", c.a, c.b, got, c.want)
			}
		})
	}
}

func TestForwardDiff(t *testing.T) {
	t.Parallel()

	if got := ForwardDiff(100, 105); got != 5 {
		t.Errorf("ForwardDiff(100, 105) = %d, want 5", got)
	}
	if got := ForwardDiff(0xFFFF, 0x0001); got != 2 {
		t.Errorf("ForwardDiff(0xFFFF, 0x0001) = %d, want 2", got)
	}
}

func TestLessMatchesAheadOf(t *testing.T) {
	t.Parallel()
	if !Less(200, 100) {
		t.Error("Less(200, 100) should be true: 200 is ahead of (newer than) 100")
	}
	if Less(100, 200) {
		t.Error("Less(100, 200) should be false")
	}
}
