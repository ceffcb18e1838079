package portlesserr

import (
	"errors"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "wraps a cause",
			err:  New(RegistryIO, "routestore.save", errors.New("disk full")),
			want: "routestore.save: RegistryIO: disk full",
		},
		{
			name: "no cause",
			err:  &Error{Kind: ProxyNotRunning, Op: "daemon.Run"},
			want: "daemon.Run: ProxyNotRunning",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := New(BackendUnreachable, "proxyhandler.DialBackend", cause)

	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}

	var portlessErr *Error
	if !errors.As(err, &portlessErr) {
		t.Fatalf("errors.As(err, &portlessErr) = false, want true")
	}
	if portlessErr.Kind != BackendUnreachable {
		t.Errorf("Kind = %v, want %v", portlessErr.Kind, BackendUnreachable)
	}
}
