package shmq_test

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"gosuda.org/shmq"
)

var segmentSeq atomic.Uint64

// testSegmentName returns a namespace identifier unique to this test run.
func testSegmentName() string {
	return fmt.Sprintf("shmq_test_%d_%d", os.Getpid(), segmentSeq.Add(1))
}

// openSegment opens a fresh uniquely named segment and unlinks it when the
// test finishes.
func openSegment(t *testing.T) *shmq.Segment {
	t.Helper()
	seg, err := shmq.Open(testSegmentName())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = seg.Unlink() })
	return seg
}

func pageAligned(n uint64) uint64 {
	ps := uint64(os.Getpagesize())
	return (n + ps - 1) &^ (ps - 1)
}

func TestOpenFresh(t *testing.T) {
	seg := openSegment(t)

	if got := seg.Size(); got != 0 {
		t.Fatalf("fresh segment size = %d, want 0", got)
	}
	if seg.Ptr(0) != nil {
		t.Fatal("fresh segment has a mapping")
	}
}

func TestNameValidation(t *testing.T) {
	tests := []struct {
		name string
		want error
	}{
		{"", shmq.ErrNameInvalid},
		{"/", shmq.ErrNameInvalid},
		{"a/b", shmq.ErrNameInvalid},
		{"a\x00b", shmq.ErrNameInvalid},
		{strings.Repeat("a", 256), shmq.ErrNameTooLong},
	}
	for _, tt := range tests {
		if _, err := shmq.Open(tt.name); !errors.Is(err, tt.want) {
			t.Errorf("Open(%q) = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestOpenLeadingSlash(t *testing.T) {
	name := "/" + testSegmentName()
	seg, err := shmq.Open(name)
	if err != nil {
		t.Fatalf("Open(%q): %v", name, err)
	}
	defer seg.Unlink()

	if seg.Name() != name {
		t.Fatalf("Name() = %q, want %q", seg.Name(), name)
	}
}

func TestResizeRoundsToPage(t *testing.T) {
	seg := openSegment(t)

	if err := seg.Resize(100); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	want := pageAligned(100)
	if got := seg.Size(); got != want {
		t.Fatalf("size = %d, want %d", got, want)
	}
	if seg.Ptr(0) == nil {
		t.Fatal("resized segment has no mapping")
	}
	if seg.Ptr(seg.Size()) != nil {
		t.Fatal("Ptr past the mapping end is not nil")
	}
}

func TestResizeCurrentSizeIsNoop(t *testing.T) {
	seg := openSegment(t)

	if err := seg.Resize(4096); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	size := seg.Size()
	if err := seg.Resize(size); err != nil {
		t.Fatalf("Resize to current size: %v", err)
	}
	if got := seg.Size(); got != size {
		t.Fatalf("size after no-op resize = %d, want %d", got, size)
	}
}

func TestResizeVisibleToPeer(t *testing.T) {
	seg := openSegment(t)

	if err := seg.Resize(4096); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	*(*byte)(seg.Ptr(42)) = 0xAB

	// A second handle models a second process attaching by name.
	peer, err := shmq.Open(seg.Name())
	if err != nil {
		t.Fatalf("peer Open: %v", err)
	}
	defer peer.Close()

	if got := peer.Size(); got != seg.Size() {
		t.Fatalf("peer size = %d, want %d", got, seg.Size())
	}
	if got := *(*byte)(peer.Ptr(42)); got != 0xAB {
		t.Fatalf("peer read %#x, want 0xAB", got)
	}
}

func TestUnlinkRemovesName(t *testing.T) {
	name := testSegmentName()
	seg, err := shmq.Open(name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := seg.Resize(4096); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if err := seg.Unlink(); err != nil {
		t.Fatalf("Unlink: %v", err)
	}

	// A new opener must not find the old object: it creates a fresh one.
	fresh, err := shmq.Open(name)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer fresh.Unlink()
	if got := fresh.Size(); got != 0 {
		t.Fatalf("size after unlink+reopen = %d, want 0", got)
	}
}

func TestCloseIdempotent(t *testing.T) {
	seg := openSegment(t)

	if err := seg.Resize(4096); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if seg.Ptr(0) != nil {
		t.Fatal("closed segment still has a mapping")
	}
	if err := seg.Resize(8192); !errors.Is(err, shmq.ErrClosed) {
		t.Fatalf("Resize after Close = %v, want ErrClosed", err)
	}
}
