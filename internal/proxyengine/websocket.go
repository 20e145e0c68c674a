package proxyengine

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// handleWebSocket relays an Upgrade request to upstream by hijacking the
// client connection and dialing the backend directly, so that the
// backend's 101 response reaches the client byte-for-byte (raw header
// order, Sec-WebSocket-Accept, subprotocol and extension headers
// included). httputil.ReverseProxy cannot guarantee that, since it
// reconstructs the response through Go's http.Header map.
func (e *Engine) handleWebSocket(w http.ResponseWriter, r *http.Request, upstream, host string, hops int) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket upgrade not supported", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		log.Printf("portless: websocket hijack failed for %s: %v", host, err)
		return
	}
	defer clientConn.Close()

	backendConn, err := net.DialTimeout("tcp", upstream, dialTimeout)
	if err != nil {
		log.Printf("portless: websocket dial %s failed: %v", upstream, err)
		return
	}
	defer backendConn.Close()

	stripPseudoHeaders(r.Header)
	r.Host = host
	r.Header.Set("X-Forwarded-Host", host)
	if clientIP := remoteIP(r.RemoteAddr); clientIP != "" {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			r.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			r.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	r.Header.Set(hopsHeader, fmt.Sprintf("%d", hops+1))

	if err := r.Write(backendConn); err != nil {
		log.Printf("portless: websocket request write to %s failed: %v", upstream, err)
		return
	}

	backendReader := bufio.NewReader(backendConn)
	statusLine, headerBytes, statusCode, err := readRawResponseHead(backendReader)
	if err != nil {
		log.Printf("portless: websocket response from %s failed: %v", upstream, err)
		return
	}

	if _, err := clientConn.Write(statusLine); err != nil {
		return
	}
	if _, err := clientConn.Write(headerBytes); err != nil {
		return
	}

	if statusCode != http.StatusSwitchingProtocols {
		// Non-upgrade response (e.g. 400/404 from the backend): relay the
		// remaining body verbatim too, then close.
		io.Copy(clientConn, backendReader)
		return
	}

	splice(clientConn, clientBuf, backendConn, backendReader)
}

// readRawResponseHead reads the status line and headers of an HTTP
// response exactly as they arrived on the wire, preserving header order
// and casing, and returns the parsed status code for branching.
func readRawResponseHead(r *bufio.Reader) (statusLine, headerBytes []byte, statusCode int, err error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, nil, 0, err
	}
	statusLine = []byte(line)

	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 2 {
		return nil, nil, 0, fmt.Errorf("malformed status line: %q", line)
	}
	statusCode, err = strconv.Atoi(parts[1])
	if err != nil {
		return nil, nil, 0, fmt.Errorf("malformed status code: %q", parts[1])
	}

	var buf bytes.Buffer
	for {
		hline, err := r.ReadString('\n')
		if err != nil {
			return nil, nil, 0, err
		}
		buf.WriteString(hline)
		if strings.TrimRight(hline, "\r\n") == "" {
			break
		}
	}
	return statusLine, buf.Bytes(), statusCode, nil
}

// splice pipes bytes bidirectionally between the client and backend
// connections until either side closes or errors, at which point the
// other side is torn down too.
func splice(client net.Conn, clientBuf *bufio.ReadWriter, backend net.Conn, backendReader *bufio.Reader) {
	done := make(chan struct{}, 2)

	go func() {
		io.Copy(backend, clientBuf)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, backendReader)
		done <- struct{}{}
	}()

	<-done
	client.Close()
	backend.Close()
}
