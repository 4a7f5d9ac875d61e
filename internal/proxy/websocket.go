package proxy

import (
	"io"
	"net"
	"net/http"
)

// splice implements the WebSocket path of spec §4.4: the upgrade
// request and its 101 response are forwarded verbatim, then the proxy
// becomes a raw, unbuffered byte pipe between the two TCP connections
// for the lifetime of the socket. Using httputil.ReverseProxy here
// would force both directions through its buffered Copy loop; a
// websocket tunnel needs neither request/response semantics nor
// buffering once the upgrade completes, so this hijacks the client
// connection and dials the upstream directly instead.
func (p *Proxy) splice(w http.ResponseWriter, r *http.Request, upstreamAddr string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		p.writeJSONError(w, http.StatusInternalServerError, nil)
		return
	}

	upstreamConn, err := net.DialTimeout("tcp", upstreamAddr, p.cfg.DialTimeout)
	if err != nil {
		p.writeJSONError(w, http.StatusBadGateway, err)
		return
	}
	defer upstreamConn.Close()

	if err := r.Write(upstreamConn); err != nil {
		p.writeJSONError(w, http.StatusBadGateway, err)
		return
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		return
	}
	defer clientConn.Close()

	if n := clientBuf.Reader.Buffered(); n > 0 {
		buffered := make([]byte, n)
		_, _ = clientBuf.Reader.Read(buffered)
		if _, err := upstreamConn.Write(buffered); err != nil {
			return
		}
	}

	done := make(chan struct{}, 2)
	go splicePipe(upstreamConn, clientConn, done)
	go splicePipe(clientConn, upstreamConn, done)
	<-done
}

// splicePipe copies dst<-src until either side closes, then signals
// done exactly once. Both directions run concurrently so a disconnect
// on either leg tears down the other promptly (spec §4.4: "on client
// disconnect, the upstream connection MUST be closed promptly").
func splicePipe(dst io.Writer, src io.Reader, done chan<- struct{}) {
	_, _ = io.Copy(dst, src)
	if c, ok := dst.(interface{ CloseWrite() error }); ok {
		_ = c.CloseWrite()
	}
	done <- struct{}{}
}
