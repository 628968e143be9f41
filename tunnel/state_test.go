package tunnel

import (
	"reflect"
	"testing"

	"github.com/rpfwd/rpfwd/socketadapter"
)

func TestChannelOrderPreservedUnderInterleaving(t *testing.T) {
	tbl := NewChannelTable()
	for _, id := range []uint64{1, 2, 3, 4, 5} {
		tbl.Insert(id, socketadapter.New(id, nil))
	}
	if got, want := tbl.IDs(), []uint64{1, 2, 3, 4, 5}; !reflect.DeepEqual(got, want) {
		t.Fatalf("IDs() = %v, want %v", got, want)
	}

	// Remove a middle ID, confirm both forward and reverse orders stay
	// consistent for the survivors.
	if _, ok := tbl.Remove(3); !ok {
		t.Fatal("remove 3: not found")
	}
	if got, want := tbl.IDs(), []uint64{1, 2, 4, 5}; !reflect.DeepEqual(got, want) {
		t.Fatalf("IDs() after remove = %v, want %v", got, want)
	}
	if got, want := tbl.IDsReversed(), []uint64{5, 4, 2, 1}; !reflect.DeepEqual(got, want) {
		t.Fatalf("IDsReversed() after remove = %v, want %v", got, want)
	}

	tbl.Insert(6, socketadapter.New(6, nil))
	if got, want := tbl.IDs(), []uint64{1, 2, 4, 5, 6}; !reflect.DeepEqual(got, want) {
		t.Fatalf("IDs() after re-insert = %v, want %v", got, want)
	}
	if tbl.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", tbl.Len())
	}
}

func TestChannelTableGetMissing(t *testing.T) {
	tbl := NewChannelTable()
	if _, ok := tbl.Get(42); ok {
		t.Fatal("expected Get on empty table to report not-found")
	}
	if _, ok := tbl.Remove(42); ok {
		t.Fatal("expected Remove on empty table to report not-found")
	}
}
