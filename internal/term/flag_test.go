package term

import "testing"

func TestFlagStartsUnset(t *testing.T) {
	t.Parallel()

	f, err := New("test-flag")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer f.Close()

	if f.IsSet() {
		t.Fatal("freshly created flag reports IsSet() == true")
	}
}

func TestFlagSetIsObservedAcrossMappings(t *testing.T) {
	t.Parallel()

	f, err := New("test-flag-shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer f.Close()

	other, err := Open(f.File().File().Fd())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer other.Close()

	f.Set()

	if !other.IsSet() {
		t.Fatal("Set() on one mapping not observed by another mapping of the same segment")
	}
}

func TestFlagSetIsIdempotent(t *testing.T) {
	t.Parallel()

	f, err := New("test-flag-idempotent")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer f.Close()

	f.Set()
	f.Set()

	if !f.IsSet() {
		t.Fatal("flag should remain set after calling Set() twice")
	}
}
