// Package statedir locates the directory where the route registry and daemon
// metadata files live.
package statedir

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/portless-dev/portless/internal/probe"
)

// EnvOverride is the environment variable that, when set, takes precedence
// over all other resolution rules.
const EnvOverride = "PORTLESS_STATE_DIR"

// PortEnvVar is the environment variable that, when set, overrides the
// caller-supplied default port in Discover.
const PortEnvVar = "PORTLESS_PORT"

// DefaultPort is the proxy port used when neither a flag nor the
// PORTLESS_PORT environment variable names one.
const DefaultPort uint16 = 1355

// PrivilegedPortThreshold is the boundary below which a port requires
// elevated privileges to bind on POSIX systems.
const PrivilegedPortThreshold = 1024

// sharedDir is the location used for privileged ports, shared between a
// sudo-launched daemon and unprivileged clients.
const sharedDir = "/tmp/portless"

// userDirName is the per-user directory name created under the home
// directory for unprivileged ports.
const userDirName = ".portless"

// Resolve returns the state directory for the given proxy port: EnvOverride
// when set, otherwise sharedDir for ports below PrivilegedPortThreshold and
// the per-user directory for all other ports.
func Resolve(port uint16) string {
	if dir := strings.TrimSpace(os.Getenv(EnvOverride)); dir != "" {
		return dir
	}
	if port < PrivilegedPortThreshold {
		return sharedDir
	}
	return userDir()
}

// Discover finds the state directory and port of an already-running daemon
// without knowing its port in advance. When EnvOverride is set, that
// directory is returned as-is with the port from its proxy.port file (or the
// default port if the file is missing), without a liveness probe. Otherwise
// it checks the per-user directory
// first, then the shared one, treating a directory as a candidate only when
// its proxy.port file names a port with a live, sentinel-bearing listener.
// If neither candidate is live, it falls back to Resolve for defaultPort,
// or for PortEnvVar's value when that environment variable is set.
func Discover(defaultPort uint16) (dir string, port uint16) {
	defaultPort = envPortOr(defaultPort)

	if override := strings.TrimSpace(os.Getenv(EnvOverride)); override != "" {
		if p, ok := readPort(override); ok {
			return override, p
		}
		return override, defaultPort
	}

	for _, candidate := range []string{userDir(), sharedDir} {
		p, ok := readPort(candidate)
		if !ok {
			continue
		}
		if probe.IsRunning(p) {
			return candidate, p
		}
	}

	return Resolve(defaultPort), defaultPort
}

// envPortOr returns the port named by PortEnvVar, or fallback if it is
// unset or unparsable.
func envPortOr(fallback uint16) uint16 {
	v := strings.TrimSpace(os.Getenv(PortEnvVar))
	if v == "" {
		return fallback
	}
	p, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return fallback
	}
	return uint16(p)
}

func userDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.TempDir()
	}
	return filepath.Join(home, userDirName)
}

func readPort(dir string) (uint16, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "proxy.port"))
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}
