package ids

import "testing"

func TestNew(t *testing.T) {
	a := New()
	b := New()

	if len(a) != 36 {
		t.Fatalf("expected 36-char uuid, got %d", len(a))
	}
	if a == b {
		t.Fatalf("expected distinct ids, got duplicates")
	}
}
