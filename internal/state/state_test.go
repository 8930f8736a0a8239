package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestRecordTransitions(t *testing.T) {
	r := NewRecord("arch")
	if r.Status != StatusStopped || r.IsRunning() {
		t.Fatalf("new record = %+v", r)
	}

	r.SetRunning(42)
	if !r.IsRunning() || r.Pid != 42 || r.StartedAt == nil {
		t.Fatalf("after SetRunning = %+v", r)
	}

	r.SetStopped()
	if r.Status != StatusStopped || r.Pid != 0 || r.FinishedAt == nil {
		t.Fatalf("after SetStopped = %+v", r)
	}

	r.SetError(errors.New("bootstrap exited with 3"))
	if r.Status != StatusError || r.LastError != "bootstrap exited with 3" {
		t.Fatalf("after SetError = %+v", r)
	}
}

func testStore(t *testing.T, s Store) {
	t.Helper()

	if _, ok, err := s.Get("arch"); err != nil || ok {
		t.Fatalf("Get on empty store: ok=%v err=%v", ok, err)
	}

	r := NewRecord("arch")
	r.SetRunning(100)
	if err := s.Put(r); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(NewRecord("debian")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get("arch")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusRunning || got.Pid != 100 {
		t.Fatalf("Get = %+v", got)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Name != "arch" || list[1].Name != "debian" {
		t.Fatalf("List = %+v", list)
	}

	if err := s.Delete("arch"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete("arch"); err != nil {
		t.Fatalf("Delete should be idempotent: %v", err)
	}
	if _, ok, _ := s.Get("arch"); ok {
		t.Fatalf("record still present after Delete")
	}

	if err := s.Put(Record{}); err == nil {
		t.Fatalf("Put without a name should fail")
	}
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), ".state"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	testStore(t, s)
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".state")
	first, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	r := NewRecord("arch")
	r.SetRunning(7)
	if err := first.Put(r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	second, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	got, ok, err := second.Get("arch")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if !got.IsRunning() || got.Pid != 7 {
		t.Fatalf("Get = %+v", got)
	}
}

func TestFileStoreSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "odd.json"), []byte(`{"name":"odd","status":"PAUSED"}`), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Put(NewRecord("arch")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Name != "arch" {
		t.Fatalf("List = %+v", list)
	}
	if _, _, err := s.Get("broken"); err == nil {
		t.Fatalf("Get on a corrupt file should fail")
	}
}
