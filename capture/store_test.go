package capture

import (
	"errors"
	"sync"
	"testing"

	"barcodegate/barcode"
)

func rec(role barcode.Role, seq uint64, payload string) barcode.Record {
	return barcode.Record{Seq: seq, Role: role, Payload: payload}
}

func payloads(recs []barcode.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Payload
	}
	return out
}

func TestStoreDrainOrderAndEmpty(t *testing.T) {
	s := NewStore(10)
	for i, p := range []string{"A", "B", "C"} {
		if err := s.Append(rec(barcode.RoleEntry, uint64(i+1), p)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.Drain(barcode.RoleEntry)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if want := []string{"A", "B", "C"}; !equalStrings(payloads(got), want) {
		t.Errorf("Drain() = %v, want %v", payloads(got), want)
	}

	again, _ := s.Drain(barcode.RoleEntry)
	if len(again) != 0 {
		t.Errorf("second Drain() = %v, want empty", payloads(again))
	}
	if again == nil {
		t.Error("Drain() should return an empty slice, not nil")
	}
}

func TestStoreCapacityDropsOldest(t *testing.T) {
	s := NewStore(3)
	for i, p := range []string{"1", "2", "3", "4", "5"} {
		s.Append(rec(barcode.RoleExit, uint64(i+1), p))
	}

	pending, dropped := s.Stats(barcode.RoleExit)
	if pending != 3 {
		t.Errorf("pending = %d, want 3", pending)
	}
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}

	got, _ := s.Drain(barcode.RoleExit)
	if want := []string{"3", "4", "5"}; !equalStrings(payloads(got), want) {
		t.Errorf("Drain() = %v, want %v", payloads(got), want)
	}

	// Dropped is cumulative; drain does not reset it
	_, dropped = s.Stats(barcode.RoleExit)
	if dropped != 2 {
		t.Errorf("dropped after drain = %d, want 2", dropped)
	}
}

func TestStoreDefaultCapacity(t *testing.T) {
	s := NewStore(0)
	for i := 0; i < DefaultStoreCapacity+1; i++ {
		s.Append(rec(barcode.RoleEntry, uint64(i+1), "x"))
	}

	pending, dropped := s.Stats(barcode.RoleEntry)
	if pending != DefaultStoreCapacity || dropped != 1 {
		t.Errorf("Stats() = (%d, %d), want (%d, 1)", pending, dropped, DefaultStoreCapacity)
	}
}

func TestStoreDrainAllMergesBySeq(t *testing.T) {
	s := NewStore(10)
	s.Append(rec(barcode.RoleEntry, 1, "e1"))
	s.Append(rec(barcode.RoleExit, 2, "x1"))
	s.Append(rec(barcode.RoleEntry, 3, "e2"))
	s.Append(rec(barcode.RoleExit, 4, "x2"))

	got := s.DrainAll()
	if want := []string{"e1", "x1", "e2", "x2"}; !equalStrings(payloads(got), want) {
		t.Errorf("DrainAll() = %v, want %v", payloads(got), want)
	}

	if got := s.DrainAll(); got == nil || len(got) != 0 {
		t.Errorf("second DrainAll() = %v, want empty", got)
	}
}

func TestStoreResetIsolatesRoles(t *testing.T) {
	s := NewStore(10)
	s.Append(rec(barcode.RoleEntry, 1, "e"))
	s.Append(rec(barcode.RoleExit, 2, "x"))

	if err := s.Reset(barcode.RoleEntry); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	entry, _ := s.Drain(barcode.RoleEntry)
	exit, _ := s.Drain(barcode.RoleExit)
	if len(entry) != 0 {
		t.Errorf("entry after Reset = %v, want empty", payloads(entry))
	}
	if !equalStrings(payloads(exit), []string{"x"}) {
		t.Errorf("exit after Reset = %v, want [x]", payloads(exit))
	}
}

func TestStoreUnknownRole(t *testing.T) {
	s := NewStore(10)
	bad := barcode.Role(7)

	if err := s.Append(rec(bad, 1, "x")); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("Append() error = %v, want ErrUnknownRole", err)
	}
	if _, err := s.Drain(bad); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("Drain() error = %v, want ErrUnknownRole", err)
	}
	if err := s.Reset(bad); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("Reset() error = %v, want ErrUnknownRole", err)
	}
}

func TestStoreConcurrentAppendDrain(t *testing.T) {
	const perRole = 500
	s := NewStore(perRole * 2)

	var writers sync.WaitGroup
	for _, role := range barcode.Roles {
		writers.Add(1)
		go func(role barcode.Role) {
			defer writers.Done()
			for i := 0; i < perRole; i++ {
				s.Append(rec(role, uint64(i), "x"))
			}
		}(role)
	}

	written := make(chan struct{})
	go func() {
		writers.Wait()
		close(written)
	}()

	total := 0
	for {
		select {
		case <-written:
			total += len(s.DrainAll())
			if total != perRole*len(barcode.Roles) {
				t.Errorf("drained %d records, want %d", total, perRole*len(barcode.Roles))
			}
			return
		default:
			total += len(s.DrainAll())
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
