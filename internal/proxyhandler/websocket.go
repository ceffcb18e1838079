package proxyhandler

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/portless-dev/portless/internal/portlesserr"
	"github.com/portless-dev/portless/internal/probe"
	"github.com/portless-dev/portless/internal/routestore"
)

// maxBackendHeaderBytes bounds how much of a backend's upgrade response is
// read before giving up, so a backend that never terminates its header
// block cannot pin a goroutine forever.
const maxBackendHeaderBytes = 32 * 1024

// serveWebSocket hijacks the client connection and tunnels raw bytes to a
// fresh backend connection. httputil.ReverseProxy cannot hand off a
// hijacked connection once headers are sent, so the upgrade handshake is
// replayed by hand against the backend.
func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request, route routestore.Route) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported by this server", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		if h.log != nil {
			h.log.Printf("proxyhandler: hijack %s: %v", r.Host, err)
		}
		return
	}
	defer clientConn.Close()

	backendConn, err := DialBackend(r.Context(), route.Port)
	if err != nil {
		writeRawError(clientConn, http.StatusBadGateway, "backend unreachable")
		return
	}
	defer backendConn.Close()

	if err := h.writeBackendRequest(backendConn, r, route); err != nil {
		if h.log != nil {
			h.log.Printf("proxyhandler: write backend request: %v", err)
		}
		writeRawError(clientConn, http.StatusBadGateway, "backend write failed")
		return
	}

	// The hijacked bufio.Reader may already hold bytes the client sent
	// past the header block (an eager client sending the first WebSocket
	// frame before the 101 arrives); forward them unread.
	if n := clientBuf.Reader.Buffered(); n > 0 {
		buffered, _ := clientBuf.Reader.Peek(n)
		if _, err := backendConn.Write(buffered); err != nil {
			return
		}
	}

	header, err := readBackendHeader(backendConn)
	if err != nil {
		writeRawError(clientConn, http.StatusBadGateway, "backend response malformed")
		return
	}
	if _, err := clientConn.Write(injectSentinel(header)); err != nil {
		return
	}

	if !isSwitchingProtocols(header) {
		// Not a 101: relay whatever body the backend sent (e.g. a 401
		// rejecting the upgrade) and stop. There is nothing to tunnel.
		io.Copy(clientConn, backendConn)
		return
	}

	tunnel(clientConn, backendConn)
}

// writeBackendRequest replays r's request line and headers against conn,
// rewriting Host to the backend address and injecting X-Forwarded-*.
func (h *Handler) writeBackendRequest(conn net.Conn, r *http.Request, route routestore.Route) error {
	header := r.Header.Clone()
	backendHost := fmt.Sprintf("localhost:%d", route.Port)
	header.Set("Host", backendHost)
	h.applyForwardedHeaders(header, r)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", r.Method, r.URL.RequestURI())
	fmt.Fprintf(&buf, "Host: %s\r\n", backendHost)
	for name, values := range header {
		if name == "Host" {
			continue
		}
		for _, v := range values {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, v)
		}
	}
	buf.WriteString("\r\n")

	if _, err := conn.Write(buf.Bytes()); err != nil {
		return portlesserr.New(portlesserr.BackendUnreachable, "proxyhandler.writeBackendRequest", err)
	}
	return nil
}

// readBackendHeader reads from conn one byte at a time until it has seen
// "\r\n\r\n", returning everything read including the terminator. Reading a
// byte at a time, rather than through a buffered reader, guarantees no
// bytes belonging to the post-handshake tunnel are consumed here.
func readBackendHeader(conn net.Conn) ([]byte, error) {
	buf := make([]byte, 0, 1024)
	one := make([]byte, 1)
	for {
		if len(buf) >= maxBackendHeaderBytes {
			return nil, portlesserr.New(portlesserr.BackendProtocol, "proxyhandler.readBackendHeader",
				fmt.Errorf("backend response header exceeded %d bytes", maxBackendHeaderBytes))
		}
		n, err := conn.Read(one)
		if n > 0 {
			buf = append(buf, one[0])
			if bytes.HasSuffix(buf, []byte("\r\n\r\n")) {
				return buf, nil
			}
		}
		if err != nil {
			return nil, portlesserr.New(portlesserr.BackendProtocol, "proxyhandler.readBackendHeader", err)
		}
	}
}

func isSwitchingProtocols(header []byte) bool {
	i := bytes.IndexByte(header, '\n')
	if i < 0 {
		i = len(header)
	}
	return bytes.Contains(header[:i], []byte(" 101 "))
}

// injectSentinel inserts the liveness sentinel header right after header's
// status line, leaving the rest of the backend's header block (including
// Sec-WebSocket-Accept and anything else the backend sent) byte-for-byte
// intact. Every response the daemon writes carries the sentinel, hijacked
// WebSocket responses included.
func injectSentinel(header []byte) []byte {
	i := bytes.IndexByte(header, '\n')
	if i < 0 {
		return header
	}
	statusLine := header[:i+1]
	rest := header[i+1:]

	out := make([]byte, 0, len(header)+len(probe.SentinelHeader)+8)
	out = append(out, statusLine...)
	out = append(out, probe.SentinelHeader...)
	out = append(out, ": 1\r\n"...)
	out = append(out, rest...)
	return out
}

// writeRawError writes a minimal HTTP response directly to a hijacked
// connection, since the http.ResponseWriter is no longer usable.
func writeRawError(conn net.Conn, status int, msg string) {
	body := msg + "\n"
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n%s: 1\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), probe.SentinelHeader, len(body), body)
}

// tunnel copies bytes bidirectionally between the client and backend
// connections. When one direction reaches EOF cleanly, it half-closes the
// destination's write side rather than closing the connection outright, so
// the still-running direction can keep draining whatever the peer has left
// to send. Either direction erroring closes both connections immediately.
// Once both directions have finished, both connections are closed for good.
func tunnel(client, backend net.Conn) {
	var g errgroup.Group
	g.Go(func() error { return copyHalfClose(backend, client) })
	g.Go(func() error { return copyHalfClose(client, backend) })
	g.Wait()
	client.Close()
	backend.Close()
}

// copyHalfClose copies from src to dst until src's read side reaches EOF,
// then half-closes dst's write side. A copy error closes both ends at once.
func copyHalfClose(dst, src net.Conn) error {
	_, err := io.Copy(dst, src)
	if err != nil {
		dst.Close()
		src.Close()
		return err
	}
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	} else {
		dst.Close()
	}
	return nil
}
