package jail

import (
	"encoding/json"
	"fmt"
	"os"

	"trimorph/internal/config"
	"trimorph/internal/overlay"
	"trimorph/internal/proc"
	"trimorph/pkg/envutil"
	terrors "trimorph/pkg/errors"
)

// InitConfig is handed to the re-executed helper through the environment.
type InitConfig struct {
	Root    string         `json:"root"`
	Argv    []string       `json:"argv"`
	Env     []string       `json:"env,omitempty"`
	Mounts  []config.Mount `json:"mounts,omitempty"`
	Network config.Network `json:"network,omitempty"`
}

// Chroot runs jail commands without nspawn: the binary re-executes itself
// in a new mount namespace (and network namespace for private networking),
// bind-mounts the extras, chroots into the overlay and execs the command.
type Chroot struct {
	// Self is the helper binary.
	Self string
}

func NewChroot() Chroot { return Chroot{Self: "/proc/self/exe"} }

func (c Chroot) Name() string { return "chroot" }

func (c Chroot) Command(d config.Descriptor, inst *overlay.Instance, argv []string) (proc.Command, error) {
	if len(argv) == 0 {
		return proc.Command{}, fmt.Errorf("%w: empty command", terrors.ErrBadRequest)
	}
	cfg := InitConfig{
		Root:    inst.MountPoint,
		Argv:    argv,
		Env:     d.Env,
		Mounts:  d.Mounts,
		Network: d.Network,
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return proc.Command{}, fmt.Errorf("encode init config: %w", err)
	}

	self := c.Self
	if self == "" {
		self = "/proc/self/exe"
	}
	return proc.Command{
		Argv: []string{self},
		Env: envutil.Merge(envutil.FilterInternal(os.Environ()),
			envutil.JailInitEnvVar+"=1",
			envutil.JailConfigEnvVar+"="+string(data),
		),
		SysProcAttr: namespaceAttr(d.Network),
	}, nil
}

// decodeInitConfig reads the helper's configuration from env.
func decodeInitConfig(env []string) (InitConfig, error) {
	raw, ok := envutil.Lookup(env, envutil.JailConfigEnvVar)
	if !ok || raw == "" {
		return InitConfig{}, fmt.Errorf("missing %s", envutil.JailConfigEnvVar)
	}
	var cfg InitConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return InitConfig{}, fmt.Errorf("parse %s: %w", envutil.JailConfigEnvVar, err)
	}
	if cfg.Root == "" || len(cfg.Argv) == 0 {
		return InitConfig{}, fmt.Errorf("incomplete init config")
	}
	return cfg, nil
}
