package region

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func Test_OpenOrCreate_Then_AttachWrite_Then_AttachRead_Roundtrips_Bytes(t *testing.T) {
	t.Parallel()

	mgr := NewManager(t.TempDir())

	if err := mgr.OpenOrCreate("data_1", 64); err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}

	w, err := mgr.AttachWrite("data_1")
	if err != nil {
		t.Fatalf("AttachWrite: %v", err)
	}

	copy(w.Bytes, []byte("hello region"))

	if err := w.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}

	r, err := mgr.AttachRead("data_1")
	if err != nil {
		t.Fatalf("AttachRead: %v", err)
	}
	defer r.Detach()

	if !bytes.HasPrefix(r.Bytes, []byte("hello region")) {
		t.Fatalf("got %q, want prefix %q", r.Bytes[:12], "hello region")
	}
}

func Test_OpenOrCreate_Recreates_Region_When_Existing_Size_Differs(t *testing.T) {
	t.Parallel()

	mgr := NewManager(t.TempDir())

	if err := mgr.OpenOrCreate("layout_1", 32); err != nil {
		t.Fatalf("OpenOrCreate(32): %v", err)
	}

	w, err := mgr.AttachWrite("layout_1")
	if err != nil {
		t.Fatalf("AttachWrite: %v", err)
	}

	copy(w.Bytes, []byte("stale contents"))
	_ = w.Detach()

	if err := mgr.OpenOrCreate("layout_1", 128); err != nil {
		t.Fatalf("OpenOrCreate(128): %v", err)
	}

	r, err := mgr.AttachRead("layout_1")
	if err != nil {
		t.Fatalf("AttachRead: %v", err)
	}
	defer r.Detach()

	if len(r.Bytes) != 128 {
		t.Fatalf("len(Bytes) = %d, want 128", len(r.Bytes))
	}

	if !bytes.Equal(r.Bytes, make([]byte, 128)) {
		t.Fatalf("recreated region should be zero-filled, got %q", r.Bytes)
	}
}

func Test_AttachRead_Fails_With_RegionMissing_When_Name_Was_Never_Created(t *testing.T) {
	t.Parallel()

	mgr := NewManager(t.TempDir())

	_, err := mgr.AttachRead("data_1")
	if !errors.Is(err, ErrRegionMissing) {
		t.Fatalf("got %v, want ErrRegionMissing", err)
	}
}

func Test_Remove_Does_Not_Invalidate_An_Existing_Mapping(t *testing.T) {
	t.Parallel()

	mgr := NewManager(t.TempDir())

	if err := mgr.OpenOrCreate("data_1", 16); err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}

	r, err := mgr.AttachRead("data_1")
	if err != nil {
		t.Fatalf("AttachRead: %v", err)
	}
	defer r.Detach()

	if err := mgr.Remove("data_1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	// The name is gone, but the mapping obtained before Remove remains valid.
	if len(r.Bytes) != 16 {
		t.Fatalf("mapping invalidated by Remove: len(Bytes) = %d", len(r.Bytes))
	}

	if mgr.Exists("data_1") {
		t.Fatalf("Exists should be false after Remove")
	}
}

func Test_Exists_Reports_Region_Presence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mgr := NewManager(dir)

	if mgr.Exists("layout_1") {
		t.Fatal("Exists should be false before creation")
	}

	if err := mgr.OpenOrCreate("layout_1", 8); err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}

	if !mgr.Exists("layout_1") {
		t.Fatal("Exists should be true after creation")
	}

	if got, want := filepath.Join(dir, "layout_1"), mgr.path("layout_1"); got != want {
		t.Fatalf("path() = %q, want %q", got, want)
	}
}
