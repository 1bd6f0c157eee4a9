package random

import "testing"

func TestCryptoDrawer_DrawsDistinctInRangeIndices(t *testing.T) {
	d := NewCryptoDrawer()

	for _, tc := range []struct{ n, pool int }{
		{1, 1},
		{3, 5},
		{5, 5},
		{11, 50},
	} {
		indices, err := d.Draw(tc.n, tc.pool)
		if err != nil {
			t.Fatalf("Draw(%d, %d): %v", tc.n, tc.pool, err)
		}
		if len(indices) != tc.n {
			t.Fatalf("Draw(%d, %d): got %d indices", tc.n, tc.pool, len(indices))
		}
		seen := make(map[int]bool, tc.n)
		for _, i := range indices {
			if i < 0 || i >= tc.pool {
				t.Errorf("Draw(%d, %d): index %d out of range", tc.n, tc.pool, i)
			}
			if seen[i] {
				t.Errorf("Draw(%d, %d): duplicate index %d", tc.n, tc.pool, i)
			}
			seen[i] = true
		}
	}
}

func TestCryptoDrawer_RejectsBadArguments(t *testing.T) {
	d := NewCryptoDrawer()

	if _, err := d.Draw(0, 5); err == nil {
		t.Errorf("expected error for n=0")
	}
	if _, err := d.Draw(-1, 5); err == nil {
		t.Errorf("expected error for negative n")
	}
	if _, err := d.Draw(6, 5); err == nil {
		t.Errorf("expected error for n larger than pool")
	}
}
