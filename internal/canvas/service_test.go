package canvas

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestCanvasLifecycle(t *testing.T) {
	svc := New(t.TempDir())
	alice := Author{ID: "usr_alice", Name: "Alice"}

	empty, err := svc.Get("ch_1")
	if err != nil {
		t.Fatalf("Get() on missing canvas error = %v", err)
	}
	if empty.Body != "" || empty.Revision != nil {
		t.Fatalf("expected empty canvas, got %+v", empty)
	}

	first, changed, err := svc.Save("ch_1", "# Notes\n", alice, "")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !changed || first.Revision == nil {
		t.Fatalf("expected a first revision, got %+v changed=%v", first, changed)
	}
	if first.Revision.AuthorID != "usr_alice" || first.Revision.Message != "Update canvas" {
		t.Fatalf("unexpected revision metadata %+v", first.Revision)
	}

	same, changed, err := svc.Save("ch_1", "# Notes\n", alice, "again")
	if err != nil {
		t.Fatalf("Save() unchanged error = %v", err)
	}
	if changed || same.Revision.Hash != first.Revision.Hash {
		t.Fatal("saving identical content must not create a revision")
	}

	second, changed, err := svc.Save("ch_1", "# Notes\n\n- ship it\n", alice, "Add action item")
	if err != nil || !changed {
		t.Fatalf("Save() second error = %v changed=%v", err, changed)
	}

	history, err := svc.History("ch_1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Hash != second.Revision.Hash {
		t.Fatalf("unexpected history %+v", history)
	}

	old, err := svc.At("ch_1", first.Revision.Hash[:8])
	if err != nil {
		t.Fatalf("At() error = %v", err)
	}
	if old.Body != "# Notes\n" {
		t.Fatalf("unexpected old body %q", old.Body)
	}

	current, err := svc.Get("ch_1")
	if err != nil || !strings.Contains(current.Body, "ship it") {
		t.Fatalf("Get() = %+v, %v", current, err)
	}
}

func TestCanvasErrors(t *testing.T) {
	svc := New(t.TempDir())

	if _, err := svc.At("ch_missing", "abc"); !errors.Is(err, ErrUnknownRevision) {
		t.Fatalf("expected ErrUnknownRevision, got %v", err)
	}
	if _, _, err := svc.Save("ch_1", strings.Repeat("x", MaxBytes+1), Author{ID: "u", Name: "U"}, ""); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	history, err := svc.History("ch_missing", 5)
	if err != nil || len(history) != 0 {
		t.Fatalf("expected empty history, got %v %v", history, err)
	}
}

func TestCanvasConcurrentSavesSerialize(t *testing.T) {
	svc := New(t.TempDir())
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, _, err := svc.Save("ch_1", strings.Repeat("line\n", i+1), Author{ID: "u", Name: "U"}, ""); err != nil {
				t.Errorf("Save() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	history, err := svc.History("ch_1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 revisions, got %d", len(history))
	}
}

func TestRemoveDeletesHistory(t *testing.T) {
	svc := New(t.TempDir())
	if _, _, err := svc.Save("ch_1", "hello", Author{ID: "u", Name: "U"}, ""); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := svc.Remove("ch_1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	c, err := svc.Get("ch_1")
	if err != nil || c.Revision != nil {
		t.Fatalf("expected empty canvas after remove, got %+v %v", c, err)
	}
}
