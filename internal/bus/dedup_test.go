package bus

import (
	"fmt"
	"testing"
)

func TestDeduperSeen(t *testing.T) {
	d := NewDeduper(8)

	if d.Seen("a") {
		t.Fatal("first sighting reported as duplicate")
	}
	if !d.Seen("a") {
		t.Fatal("second sighting not reported as duplicate")
	}
	if d.Seen("b") {
		t.Fatal("unrelated id reported as duplicate")
	}
}

func TestDeduperEmptyIDNeverDeduped(t *testing.T) {
	d := NewDeduper(8)

	if d.Seen("") || d.Seen("") {
		t.Fatal("empty id was deduplicated")
	}
}

func TestDeduperEvictsOldest(t *testing.T) {
	d := NewDeduper(4)

	d.Seen("a")
	for i := 0; i < 4; i++ {
		d.Seen(fmt.Sprintf("filler-%d", i))
	}

	// "a" fell out of the window; it counts as new again.
	if d.Seen("a") {
		t.Fatal("evicted id still reported as duplicate")
	}
	// The most recent filler is still inside the window.
	if !d.Seen("filler-3") {
		t.Fatal("recent id not reported as duplicate")
	}
}
