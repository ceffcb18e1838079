// Package probe detects whether a portless daemon is already listening on a
// given port.
package probe

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// SentinelHeader is the response header every portless daemon response
// carries. Its presence (value "1") distinguishes a portless daemon from an
// arbitrary server that happens to be listening on the same port.
const SentinelHeader = "X-Portless"

// Timeout bounds how long IsRunning will wait for a response, so that
// auto-start logic can poll it repeatedly without stalling.
const Timeout = 1 * time.Second

// IsRunning reports whether a portless daemon is listening on 127.0.0.1:port.
// It issues a HEAD / request and looks for the sentinel header; connection
// refused, timeout, or a missing/incorrect header all report false.
func IsRunning(port uint16) bool {
	client := &http.Client{Timeout: Timeout}

	req, err := http.NewRequest(http.MethodHead, fmt.Sprintf("http://127.0.0.1:%d/", port), nil)
	if err != nil {
		return false
	}
	req.Close = true

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.Header.Get(SentinelHeader) == "1"
}

// PortString formats a port for inclusion in daemon metadata files.
func PortString(port uint16) string {
	return strconv.FormatUint(uint64(port), 10)
}
