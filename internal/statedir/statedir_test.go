package statedir

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		envOv   string
		port    uint16
		wantDir string
	}{
		{name: "privileged port uses shared dir", port: 80, wantDir: sharedDir},
		{name: "unprivileged port uses user dir", port: 1355, wantDir: userDir()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvOverride, "")
			got := Resolve(tt.port)
			if got != tt.wantDir {
				t.Errorf("Resolve(%d) = %q, want %q", tt.port, got, tt.wantDir)
			}
		})
	}
}

func TestResolve_EnvOverrideWins(t *testing.T) {
	t.Setenv(EnvOverride, "/custom/state/dir")
	if got := Resolve(80); got != "/custom/state/dir" {
		t.Errorf("Resolve(80) = %q, want /custom/state/dir", got)
	}
	if got := Resolve(1355); got != "/custom/state/dir" {
		t.Errorf("Resolve(1355) = %q, want /custom/state/dir", got)
	}
}

func TestDiscover_FallsBackWhenNothingIsLive(t *testing.T) {
	t.Setenv(EnvOverride, "")
	t.Setenv(PortEnvVar, "")
	dir, port := Discover(9999)
	if port != 9999 {
		t.Errorf("Discover() port = %d, want 9999 (the default, since nothing is live)", port)
	}
	if dir != Resolve(9999) {
		t.Errorf("Discover() dir = %q, want %q", dir, Resolve(9999))
	}
}

func TestDiscover_EnvOverrideWithoutPortFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvOverride, dir)
	t.Setenv(PortEnvVar, "")

	gotDir, gotPort := Discover(1355)
	if gotDir != dir {
		t.Errorf("Discover() dir = %q, want %q", gotDir, dir)
	}
	if gotPort != 1355 {
		t.Errorf("Discover() port = %d, want 1355 (the default, since no proxy.port file exists)", gotPort)
	}
}

func TestDiscover_EnvOverrideWithPortFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "proxy.port"), []byte("5000\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv(EnvOverride, dir)
	t.Setenv(PortEnvVar, "")

	_, gotPort := Discover(1355)
	if gotPort != 5000 {
		t.Errorf("Discover() port = %d, want 5000 (read from proxy.port)", gotPort)
	}
}

func TestDiscover_PortEnvVarOverridesDefault(t *testing.T) {
	t.Setenv(EnvOverride, "")
	t.Setenv(PortEnvVar, "9000")

	dir, port := Discover(1355)
	if port != 9000 {
		t.Errorf("Discover() port = %d, want 9000 (from PORTLESS_PORT)", port)
	}
	if dir != Resolve(9000) {
		t.Errorf("Discover() dir = %q, want %q", dir, Resolve(9000))
	}
}

func TestDiscover_PortEnvVarIgnoredWhenUnparsable(t *testing.T) {
	t.Setenv(EnvOverride, "")
	t.Setenv(PortEnvVar, "not-a-port")

	_, port := Discover(1355)
	if port != 1355 {
		t.Errorf("Discover() port = %d, want 1355 (fallback, since PORTLESS_PORT is unparsable)", port)
	}
}

func TestDiscover_PortEnvVarWithStateDirOverrideAndNoPortFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvOverride, dir)
	t.Setenv(PortEnvVar, "9000")

	gotDir, gotPort := Discover(1355)
	if gotDir != dir {
		t.Errorf("Discover() dir = %q, want %q", gotDir, dir)
	}
	if gotPort != 9000 {
		t.Errorf("Discover() port = %d, want 9000 (PORTLESS_PORT, since no proxy.port file exists)", gotPort)
	}
}
