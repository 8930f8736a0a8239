package installer

import (
	_ "crypto/sha256"
	"fmt"
	"os"
	"sync"
	"time"

	"trimorph/pkg/fileutil"

	"github.com/opencontainers/go-digest"
)

// Entry is one install_local outcome.
type Entry struct {
	Time     time.Time
	Digest   string
	Path     string
	Tool     string
	ExitCode int
}

func (e Entry) line() string {
	sum := e.Digest
	if sum == "" {
		sum = "-"
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s\texit=%d\n",
		e.Time.UTC().Format(time.RFC3339), sum, e.Path, e.Tool, e.ExitCode)
}

// AuditLog appends install records to a tab-separated file.
type AuditLog struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewAuditLog returns an audit log writing to path.
func NewAuditLog(path string) *AuditLog {
	return &AuditLog{path: path, now: time.Now}
}

// Record appends e, stamping it with the current time if unset.
func (a *AuditLog) Record(e Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e.Time.IsZero() {
		e.Time = a.now()
	}
	if err := fileutil.EnsureParentDir(a.path, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(e.line()); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// fileDigest returns the sha256 digest of a file's content.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	d, err := digest.Canonical.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return d.String(), nil
}
