// Package settings loads trimorph's optional global settings file.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	terrors "trimorph/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Backend selects how commands are run inside a jail.
type Backend string

const (
	BackendAuto   Backend = "auto"
	BackendNspawn Backend = "nspawn"
	BackendChroot Backend = "chroot"
)

// AutoUpdate configures the cron entry written by setup-auto-update.
type AutoUpdate struct {
	CronFile string `yaml:"cron_file"`
	Schedule string `yaml:"schedule"`
	Command  string `yaml:"command"`
}

// Settings is the decoded form of trimorph.yaml.
type Settings struct {
	LogLevel   string     `yaml:"log_level"`
	LogFormat  string     `yaml:"log_format"`
	Backend    Backend    `yaml:"backend"`
	StopGrace  string     `yaml:"stop_grace"`
	WatchJails *bool      `yaml:"watch_jails"`
	AutoUpdate AutoUpdate `yaml:"auto_update"`
}

// Default returns the settings used when no file is present.
func Default() Settings {
	watch := true
	return Settings{
		LogLevel:   "info",
		LogFormat:  "text",
		Backend:    BackendAuto,
		StopGrace:  "1s",
		WatchJails: &watch,
		AutoUpdate: AutoUpdate{
			CronFile: "/etc/cron.d/trimorph-auto-update",
			Schedule: "0 2 * * *",
			Command:  "/usr/local/sbin/trimorph-core update",
		},
	}
}

// Load reads path. A missing file is not an error and yields Default().
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML settings over the defaults and validates them.
func Parse(data []byte) (Settings, error) {
	s := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, fmt.Errorf("%w: settings: %v", terrors.ErrInvalidConfig, err)
	}

	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) validate() error {
	switch s.Backend {
	case BackendAuto, BackendNspawn, BackendChroot:
	default:
		return fmt.Errorf("%w: settings: unknown backend %q", terrors.ErrInvalidConfig, s.Backend)
	}
	switch strings.ToLower(s.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: settings: unknown log_format %q", terrors.ErrInvalidConfig, s.LogFormat)
	}
	if _, err := time.ParseDuration(s.StopGrace); err != nil {
		return fmt.Errorf("%w: settings: stop_grace: %v", terrors.ErrInvalidConfig, err)
	}
	if len(strings.Fields(s.AutoUpdate.Schedule)) != 5 {
		return fmt.Errorf("%w: settings: auto_update.schedule must have five cron fields", terrors.ErrInvalidConfig)
	}
	return nil
}

// Grace returns the TERM->KILL grace period.
func (s Settings) Grace() time.Duration {
	d, err := time.ParseDuration(s.StopGrace)
	if err != nil {
		return time.Second
	}
	return d
}

// Watch reports whether the daemon should watch jails.d for changes.
func (s Settings) Watch() bool {
	return s.WatchJails == nil || *s.WatchJails
}
