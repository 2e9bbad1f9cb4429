package shm

import (
	"bytes"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

// dupFD simulates fd inheritance across exec by duplicating the file
// descriptor, the way the child's inherited ExtraFiles slot would behave.
func dupFD(f *os.File) (uintptr, error) {
	newFD, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return 0, err
	}
	return uintptr(newFD), nil
}

func TestCreateAndSlotRoundTrip(t *testing.T) {
	t.Parallel()

	seg, err := Create("test-segment", 16)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer seg.Close()

	slot0 := seg.Slot(0, 4)
	copy(slot0, []byte{1, 2, 3, 4})

	slot1 := seg.Slot(1, 4)
	copy(slot1, []byte{5, 6, 7, 8})

	if !bytes.Equal(seg.Bytes()[0:4], []byte{1, 2, 3, 4}) {
		t.Fatalf("slot 0 not visible at expected offset: %v", seg.Bytes()[0:4])
	}
	if !bytes.Equal(seg.Bytes()[4:8], []byte{5, 6, 7, 8}) {
		t.Fatalf("slot 1 not visible at expected offset: %v", seg.Bytes()[4:8])
	}
}

func TestOpenSharesUnderlyingMemory(t *testing.T) {
	t.Parallel()

	seg, err := Create("test-segment-shared", 8)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer seg.Close()

	// Open a second mapping of the same memfd, simulating what a re-exec'd
	// child does with an inherited fd. Both mappings must observe the same
	// physical pages.
	dup, err := dupFD(seg.File())
	if err != nil {
		t.Fatalf("dupFD() error = %v", err)
	}

	other, err := Open(dup, 8)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer other.Close()

	copy(seg.Bytes(), []byte{9, 9, 9, 9, 9, 9, 9, 9})
	if !bytes.Equal(other.Bytes(), seg.Bytes()) {
		t.Fatalf("second mapping diverged: got %v, want %v", other.Bytes(), seg.Bytes())
	}

	copy(other.Bytes()[0:2], []byte{1, 2})
	if !bytes.Equal(seg.Bytes()[0:2], []byte{1, 2}) {
		t.Fatalf("write through second mapping not visible in first: %v", seg.Bytes()[0:2])
	}
}

func TestCreateRejectsNonPositiveSize(t *testing.T) {
	t.Parallel()

	if _, err := Create("bad", 0); err == nil {
		t.Fatal("Create() with size 0 expected error, got nil")
	}
}
