// Package config reads jail descriptors from the jails directory.
//
// A descriptor file is a sequence of `key = value` lines. `#` starts a
// comment that runs to the end of the line, blank lines are ignored, and a
// later occurrence of a key overwrites an earlier one.
package config

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	terrors "trimorph/pkg/errors"
)

// Network selects the network namespace a jail command runs in.
type Network string

const (
	NetworkHost    Network = "host"
	NetworkPrivate Network = "private"
)

// Mount is one bind mount from the host into the jail.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

func (m Mount) String() string {
	s := m.Source + ":" + m.Target
	if m.ReadOnly {
		s += ":ro"
	}
	return s
}

// Descriptor is the immutable, validated definition of a jail.
type Descriptor struct {
	Name       string
	Root       string
	Pkgmgr     string
	PkgmgrArgs []string
	Bootstrap  string
	Mounts     []Mount
	// Env holds KEY=VALUE pairs in file order.
	Env     []string
	Network Network

	// File is the descriptor's source file.
	File string
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// knownKeys are the keys a descriptor file may set.
var knownKeys = map[string]bool{
	"name":        true,
	"root":        true,
	"pkgmgr":      true,
	"pkgmgr_args": true,
	"bootstrap":   true,
	"mounts":      true,
	"env":         true,
	"network":     true,
}

// rawFile is the key/value content of a file before validation.
type rawFile struct {
	values   map[string]string
	warnings []string
}

// parse splits r into key/value pairs. Unknown keys and lines without '='
// are kept out of the result and reported as warnings.
func parse(r io.Reader) (*rawFile, error) {
	raw := &rawFile{values: make(map[string]string)}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			raw.warnings = append(raw.warnings, fmt.Sprintf("line %d: expected key = value, line ignored", lineNo))
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			return nil, fmt.Errorf("line %d: empty key", lineNo)
		}
		if !knownKeys[key] {
			raw.warnings = append(raw.warnings, fmt.Sprintf("line %d: unknown key %q ignored", lineNo, key))
			continue
		}
		raw.values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return raw, nil
}

// ParseDescriptor parses and validates one descriptor. Relative roots are
// resolved against baseDir. It does not check the root on disk or name
// uniqueness; the Loader does that.
func ParseDescriptor(r io.Reader, file, baseDir string) (Descriptor, []string, error) {
	raw, err := parse(r)
	if err != nil {
		return Descriptor{}, nil, fmt.Errorf("%w: %s: %v", terrors.ErrInvalidConfig, file, err)
	}
	d, err := raw.descriptor(baseDir)
	if err != nil {
		return Descriptor{}, raw.warnings, fmt.Errorf("%w: %s: %v", terrors.ErrInvalidConfig, file, err)
	}
	d.File = file
	return d, raw.warnings, nil
}

func (raw *rawFile) descriptor(baseDir string) (Descriptor, error) {
	v := raw.values
	for _, key := range []string{"name", "root", "pkgmgr"} {
		if v[key] == "" {
			return Descriptor{}, fmt.Errorf("missing required field %q", key)
		}
	}

	if !namePattern.MatchString(v["name"]) {
		return Descriptor{}, fmt.Errorf("invalid name %q: only letters, digits, '.', '_' and '-' are allowed", v["name"])
	}

	root := v["root"]
	if !filepath.IsAbs(root) {
		root = filepath.Join(baseDir, root)
	}

	mounts, err := parseMounts(v["mounts"])
	if err != nil {
		return Descriptor{}, err
	}
	env, err := parseEnv(v["env"])
	if err != nil {
		return Descriptor{}, err
	}

	network := NetworkHost
	switch Network(v["network"]) {
	case "", NetworkHost:
	case NetworkPrivate:
		network = NetworkPrivate
	default:
		return Descriptor{}, fmt.Errorf("invalid network %q: want host or private", v["network"])
	}

	return Descriptor{
		Name:       v["name"],
		Root:       filepath.Clean(root),
		Pkgmgr:     v["pkgmgr"],
		PkgmgrArgs: strings.Fields(v["pkgmgr_args"]),
		Bootstrap:  v["bootstrap"],
		Mounts:     mounts,
		Env:        env,
		Network:    network,
	}, nil
}

// parseMounts reads comma-separated src:dst[:ro] specs.
func parseMounts(value string) ([]Mount, error) {
	var mounts []Mount
	for _, spec := range splitList(value) {
		parts := strings.Split(spec, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid mount %q: want src:dst[:ro]", spec)
		}
		m := Mount{Source: parts[0], Target: parts[1]}
		if len(parts) == 3 {
			switch parts[2] {
			case "ro":
				m.ReadOnly = true
			case "rw":
			default:
				return nil, fmt.Errorf("invalid mount option %q in %q", parts[2], spec)
			}
		}
		if !filepath.IsAbs(m.Source) || !filepath.IsAbs(m.Target) {
			return nil, fmt.Errorf("invalid mount %q: source and target must be absolute", spec)
		}
		m.Source = filepath.Clean(m.Source)
		m.Target = filepath.Clean(m.Target)
		mounts = append(mounts, m)
	}
	return mounts, nil
}

// parseEnv reads comma-separated KEY=VALUE pairs.
func parseEnv(value string) ([]string, error) {
	var env []string
	for _, kv := range splitList(value) {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !envKeyPattern.MatchString(key) {
			return nil, fmt.Errorf("invalid env entry %q: want KEY=VALUE", kv)
		}
		env = append(env, kv)
	}
	return env, nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
