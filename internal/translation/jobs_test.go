package translation

import (
	"fmt"
	"testing"
)

func TestNewJobTable(t *testing.T) {
	for _, capacity := range []int{0, -1} {
		if _, err := NewJobTable(capacity); err == nil {
			t.Errorf("NewJobTable(%d) expected error", capacity)
		}
	}

	jt, err := NewJobTable(DefaultJobTableCapacity)
	if err != nil {
		t.Fatalf("NewJobTable() error = %v", err)
	}
	if jt.Capacity() != DefaultJobTableCapacity || jt.Len() != 0 {
		t.Errorf("new table capacity = %d len = %d", jt.Capacity(), jt.Len())
	}
}

func TestJobTable_InsertWithinCapacity(t *testing.T) {
	jt, err := NewJobTable(8)
	if err != nil {
		t.Fatalf("NewJobTable() error = %v", err)
	}

	seen := make(map[uint32]bool)
	for i := 0; i < 8; i++ {
		id := jt.Insert(fmt.Sprintf("job-%d", i), uint32(1000+i), 0x20000000)
		if id != uint32(i) {
			t.Errorf("Insert #%d id = %d, want %d", i, id, i)
		}
		if seen[id] {
			t.Errorf("duplicate id %d", id)
		}
		seen[id] = true
	}

	for i := 0; i < 8; i++ {
		entry, ok := jt.Lookup(uint32(i))
		if !ok {
			t.Fatalf("Lookup(%d) missing", i)
		}
		want := JobEntry{
			DownstreamJobID: uint32(i),
			UpstreamJobID:   fmt.Sprintf("job-%d", i),
			Time:            uint32(1000 + i),
			Version:         0x20000000,
		}
		if entry != want {
			t.Errorf("Lookup(%d) = %+v, want %+v", i, entry, want)
		}
	}
}

func TestJobTable_EvictsOldestFirst(t *testing.T) {
	const capacity = 4
	const inserted = 10

	jt, err := NewJobTable(capacity)
	if err != nil {
		t.Fatalf("NewJobTable() error = %v", err)
	}

	for i := 0; i < inserted; i++ {
		jt.Insert(fmt.Sprintf("job-%d", i), 0, 0)
		// Lookups must not change which entry is evicted next
		jt.Lookup(0)
	}

	if jt.Len() != capacity {
		t.Errorf("Len() = %d, want %d", jt.Len(), capacity)
	}
	for i := 0; i < inserted; i++ {
		_, ok := jt.Lookup(uint32(i))
		if want := i >= inserted-capacity; ok != want {
			t.Errorf("Lookup(%d) found = %v, want %v", i, ok, want)
		}
	}
}

func TestJobTable_IDsWrap(t *testing.T) {
	jt, err := NewJobTable(2)
	if err != nil {
		t.Fatalf("NewJobTable() error = %v", err)
	}
	jt.next = ^uint32(0)

	if id := jt.Insert("last", 0, 0); id != ^uint32(0) {
		t.Errorf("Insert() id = %d, want max uint32", id)
	}
	if id := jt.Insert("wrapped", 0, 0); id != 0 {
		t.Errorf("Insert() id = %d, want 0 after wrap", id)
	}
	if entry, ok := jt.Lookup(0); !ok || entry.UpstreamJobID != "wrapped" {
		t.Errorf("Lookup(0) = %+v, %v", entry, ok)
	}
}
