// Package paths describes trimorph's fixed filesystem layout.
package paths

import (
	"os"
	"path/filepath"

	"trimorph/pkg/envutil"
)

// Default absolute locations.
const (
	DefaultConfigDir  = "/etc/trimorph"
	DefaultBaseDir    = "/usr/local/trimorph/base"
	DefaultRuntimeDir = "/var/lib/trimorph"
	DefaultCacheDir   = "/var/cache/trimorph/packages"
	DefaultLogDir     = "/var/log/trimorph"
	DefaultPidFile    = "/var/run/trimorphd.pid"
)

const (
	jailsDirName     = "jails.d"
	settingsFileName = "trimorph.yaml"
	socketName       = "trimorph.sock"
	locksDirName     = ".locks"
	stateDirName     = ".state"
)

// Layout holds every path trimorph reads or writes.
type Layout struct {
	// Root is the prefix all other paths were derived from ("" means /).
	Root string

	ConfigDir  string
	JailsDir   string
	BaseDir    string
	RuntimeDir string
	CacheDir   string
	LogDir     string
	PidFile    string
}

// New returns the layout relocated under root. An empty root yields the
// standard absolute paths. When root is empty the TRIMORPH_ROOT environment
// variable is consulted.
func New(root string) Layout {
	if root == "" {
		root = os.Getenv(envutil.RootEnvVar)
	}
	at := func(p string) string {
		if root == "" {
			return p
		}
		return filepath.Join(root, p)
	}
	configDir := at(DefaultConfigDir)
	return Layout{
		Root:       root,
		ConfigDir:  configDir,
		JailsDir:   filepath.Join(configDir, jailsDirName),
		BaseDir:    at(DefaultBaseDir),
		RuntimeDir: at(DefaultRuntimeDir),
		CacheDir:   at(DefaultCacheDir),
		LogDir:     at(DefaultLogDir),
		PidFile:    at(DefaultPidFile),
	}
}

// SettingsFile is the optional global YAML settings file.
func (l Layout) SettingsFile() string { return filepath.Join(l.ConfigDir, settingsFileName) }

// Socket is the daemon's listening socket.
func (l Layout) Socket() string { return filepath.Join(l.RuntimeDir, socketName) }

// LocksDir holds flock files (host PM lock, per-jail locks).
func (l Layout) LocksDir() string { return filepath.Join(l.RuntimeDir, locksDirName) }

// HostPMLock is the flock file serializing host package manager runs.
func (l Layout) HostPMLock() string { return filepath.Join(l.LocksDir(), "hostpm.lock") }

// StateDir holds jail state records written by the direct CLI.
func (l Layout) StateDir() string { return filepath.Join(l.RuntimeDir, stateDirName) }

// MountPoint is the overlay mount point of a jail.
func (l Layout) MountPoint(jail string) string { return filepath.Join(l.RuntimeDir, jail) }

// JailLog is where daemon-run commands of a jail write their output.
func (l Layout) JailLog(jail string) string { return filepath.Join(l.LogDir, jail+".log") }

// DaemonLog receives the daemon's own log once it is detached.
func (l Layout) DaemonLog() string { return filepath.Join(l.LogDir, "trimorphd.log") }

// InstallLog is the install_local audit trail.
func (l Layout) InstallLog() string { return filepath.Join(l.LogDir, "installs.log") }

// SystemDirs lists the directories initialize_system must create.
func (l Layout) SystemDirs() []string {
	return []string{l.RuntimeDir, l.CacheDir, l.LogDir, l.BaseDir}
}

// IsReservedName reports whether a jail name would collide with an entry of
// the runtime directory.
func IsReservedName(name string) bool {
	return name == "." || name == ".." || name == socketName ||
		(len(name) > 0 && name[0] == '.')
}
