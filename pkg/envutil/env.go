// Package envutil provides utilities for environment variable handling.
//
// This package centralizes trimorph's internal environment variables used to
// switch the re-executed binary into a helper mode (jail init, daemon child).
package envutil

import "strings"

// Environment variable names used by trimorph for internal process coordination.
const (
	// JailInitEnvVar triggers the chroot backend's in-namespace init when set to "1".
	JailInitEnvVar = "TRIMORPH_JAIL_INIT"

	// JailConfigEnvVar passes the chroot init configuration as JSON.
	JailConfigEnvVar = "TRIMORPH_JAIL_CONFIG"

	// DaemonChildEnvVar marks the detached daemon process started by `trimorph daemon`.
	DaemonChildEnvVar = "TRIMORPH_DAEMON_CHILD"

	// RootEnvVar relocates the whole filesystem layout under a prefix.
	RootEnvVar = "TRIMORPH_ROOT"
)

// Variables exported to a jail's bootstrap command.
const (
	BootstrapJailEnvVar = "TRIMORPH_JAIL"
	BootstrapRootEnvVar = "TRIMORPH_JAIL_ROOT"
)

var internalEnvPrefixes = []string{
	JailInitEnvVar + "=",
	JailConfigEnvVar + "=",
	DaemonChildEnvVar + "=",
}

// FilterInternal removes trimorph's coordination variables from env so they
// never leak into commands run inside a jail.
func FilterInternal(env []string) []string {
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		if !IsInternal(e) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// IsInternal reports whether a "KEY=VALUE" entry is a coordination variable.
func IsInternal(envVar string) bool {
	for _, prefix := range internalEnvPrefixes {
		if strings.HasPrefix(envVar, prefix) {
			return true
		}
	}
	return false
}

// Merge returns base with every "KEY=VALUE" in overrides applied; later
// entries win and keys keep their first position.
func Merge(base []string, overrides ...string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	index := make(map[string]int, len(base)+len(overrides))
	for _, kv := range append(append([]string(nil), base...), overrides...) {
		key, _, _ := strings.Cut(kv, "=")
		if i, ok := index[key]; ok {
			out[i] = kv
			continue
		}
		index[key] = len(out)
		out = append(out, kv)
	}
	return out
}

// Lookup returns the value of key in env and whether it was present.
func Lookup(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return strings.TrimPrefix(e, prefix), true
		}
	}
	return "", false
}
