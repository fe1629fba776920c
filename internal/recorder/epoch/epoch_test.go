package epoch

import "testing"

func TestClock_Shift(t *testing.T) {
	var c Clock

	if c.Current() != 0 || c.Previous() != 1 {
		t.Fatalf("expected current=0 previous=1, got %d %d", c.Current(), c.Previous())
	}

	c.BeginShift()
	if !c.Shifting() {
		t.Error("expected shifting after BeginShift")
	}
	c.EndShift()

	if c.Shifting() {
		t.Error("expected shift to be complete")
	}
	if c.Current() != 1 || c.Previous() != 0 {
		t.Errorf("expected current=1 previous=0, got %d %d", c.Current(), c.Previous())
	}
	if c.Index(true) != 0 || c.Index(false) != 1 {
		t.Errorf("unexpected index mapping: %d %d", c.Index(true), c.Index(false))
	}

	c.BeginShift()
	c.EndShift()
	if c.Current() != 0 {
		t.Errorf("expected epoch to flip back to 0, got %d", c.Current())
	}
	if c.Shifts() != 2 {
		t.Errorf("expected 2 shifts, got %d", c.Shifts())
	}
}
