package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"trimorph/internal/logging"
	"trimorph/internal/paths"
	terrors "trimorph/pkg/errors"

	"github.com/sirupsen/logrus"
)

// Set is an immutable snapshot of loaded descriptors.
type Set struct {
	byName map[string]Descriptor
	names  []string
}

// NewSet builds a set from descriptors; later duplicates are dropped.
func NewSet(descriptors ...Descriptor) *Set {
	s := &Set{byName: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if _, dup := s.byName[d.Name]; dup {
			continue
		}
		s.byName[d.Name] = d
		s.names = append(s.names, d.Name)
	}
	sort.Strings(s.names)
	return s
}

// Get returns the descriptor called name.
func (s *Set) Get(name string) (Descriptor, bool) {
	if s == nil {
		return Descriptor{}, false
	}
	d, ok := s.byName[name]
	return d, ok
}

// Len is the number of descriptors.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}

// Names returns descriptor names in lexical order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.names...)
}

// All returns the descriptors in name order.
func (s *Set) All() []Descriptor {
	out := make([]Descriptor, 0, s.Len())
	for _, n := range s.Names() {
		out = append(out, s.byName[n])
	}
	return out
}

// Problem is a descriptor file that was skipped.
type Problem struct {
	File string
	Err  error
}

func (p Problem) Error() string { return fmt.Sprintf("%s: %v", p.File, p.Err) }

// Loader reads every *.conf file of a jails directory.
type Loader struct {
	Dir     string
	BaseDir string
	Logger  logrus.FieldLogger
}

// NewLoader returns a loader for the layout's jails directory.
func NewLoader(layout paths.Layout, logger logrus.FieldLogger) *Loader {
	return &Loader{Dir: layout.JailsDir, BaseDir: layout.BaseDir, Logger: logger}
}

// Load parses the directory. Files that fail validation are skipped and
// reported as problems; the remaining files still load. A missing
// directory yields an empty set.
func (l *Loader) Load() (*Set, []Problem, error) {
	log := logging.Ensure(l.Logger)

	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.WithField("dir", l.Dir).Warn("jails directory does not exist")
			return NewSet(), nil, nil
		}
		return nil, nil, fmt.Errorf("read jails directory: %w", err)
	}

	var (
		loaded   []Descriptor
		problems []Problem
		owners   = make(map[string]string)
	)
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".conf") {
			continue
		}
		file := filepath.Join(l.Dir, entry.Name())

		info, err := os.Stat(file)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		d, err := l.loadFile(file, log)
		if err == nil {
			if owner, dup := owners[d.Name]; dup {
				err = fmt.Errorf("%w: %s: duplicate name %q (already defined in %s)",
					terrors.ErrInvalidConfig, file, d.Name, owner)
			}
		}
		if err != nil {
			log.WithField("file", file).WithError(err).Warn("skipping jail descriptor")
			problems = append(problems, Problem{File: file, Err: err})
			continue
		}

		owners[d.Name] = file
		loaded = append(loaded, d)
	}

	return NewSet(loaded...), problems, nil
}

func (l *Loader) loadFile(file string, log logrus.FieldLogger) (Descriptor, error) {
	f, err := os.Open(file)
	if err != nil {
		return Descriptor{}, err
	}
	defer f.Close()

	d, warnings, err := ParseDescriptor(f, file, l.BaseDir)
	for _, w := range warnings {
		log.WithField("file", file).Warn(w)
	}
	if err != nil {
		return Descriptor{}, err
	}

	if paths.IsReservedName(d.Name) {
		return Descriptor{}, fmt.Errorf("%w: %s: name %q is reserved", terrors.ErrInvalidConfig, file, d.Name)
	}

	info, err := os.Stat(d.Root)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %s: root %s: %v", terrors.ErrInvalidConfig, file, d.Root, err)
	}
	if !info.IsDir() {
		return Descriptor{}, fmt.Errorf("%w: %s: root %s is not a directory", terrors.ErrInvalidConfig, file, d.Root)
	}
	return d, nil
}
