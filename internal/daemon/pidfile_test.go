package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "trimorphd.pid")

	if err := WritePidFile(path, os.Getpid()); err != nil {
		t.Fatalf("WritePidFile: %v", err)
	}
	pid, err := ReadPidFile(path)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("ReadPidFile = %d, %v", pid, err)
	}

	// a live pid is never overwritten by another daemon
	if err := WritePidFile(path, os.Getpid()+1); err == nil {
		t.Fatalf("expected a refusal while pid %d is alive", os.Getpid())
	}

	// someone else's pid file is left alone
	if err := RemovePidFile(path, os.Getpid()+1); err != nil {
		t.Fatalf("RemovePidFile: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("pid file removed by a non-owner: %v", err)
	}

	if err := RemovePidFile(path, os.Getpid()); err != nil {
		t.Fatalf("RemovePidFile: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pid file still present")
	}
	if err := RemovePidFile(path, os.Getpid()); err != nil {
		t.Fatalf("RemovePidFile on a missing file: %v", err)
	}
}

func TestWritePidFileReplacesDeadPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trimorphd.pid")
	// pid_max is at most 2^22 on Linux
	if err := os.WriteFile(path, []byte("99999999\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WritePidFile(path, os.Getpid()); err != nil {
		t.Fatalf("WritePidFile over a dead pid: %v", err)
	}
}
