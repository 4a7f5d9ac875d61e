package controlplane

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/hiveorch/hive/internal/hiveconfig"
	"github.com/hiveorch/hive/internal/hiveerr"
	"github.com/hiveorch/hive/internal/obslog"
)

// Server accepts length-prefixed Request frames on a Unix domain
// socket and replies with Response frames (spec §4.8 C8 control
// endpoint).
type Server struct {
	Dispatcher *Dispatcher
	Log        *obslog.Logger
}

// ListenAndServe opens path (replacing any stale socket file) and
// serves connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, path string) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				if s.Log != nil {
					s.Log.WithError(err).Warn("control socket accept failed")
				}
				continue
			}
		}
		go s.serveConn(ctx, conn)
	}
}

// serveConn handles every request on one connection sequentially: a
// client may pipeline multiple commands per connection (e.g. a CLI
// session issuing `status` then `logs --follow`).
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			return
		}
		resp := s.Dispatcher.Dispatch(ctx, req)
		if err := WriteFrame(conn, resp); err != nil {
			return
		}
		if resp.More {
			// A follow stream owns the connection until the client
			// disconnects or the daemon shuts down.
			s.followLogs(ctx, conn, req, resp)
			return
		}
	}
}

// followLogs polls the service's log tail and streams each batch of
// fresh lines as its own frame under the stream id the first response
// announced (`logs --follow`, spec §4.8).
func (s *Server) followLogs(ctx context.Context, conn net.Conn, req Request, first Response) {
	prev, _ := first.Data.([]string)
	fqn := hiveconfig.FQN(req.Args[0])

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cur, err := s.Dispatcher.Supervisor.Logs(ctx, fqn, 200)
		if err != nil {
			_ = WriteFrame(conn, Response{Code: hiveerr.ExitGeneric, Message: err.Error(), StreamID: first.StreamID})
			return
		}
		fresh := freshLines(prev, cur)
		prev = cur
		if len(fresh) == 0 {
			continue
		}
		frame := Response{Code: hiveerr.ExitOK, Data: filterLogLevel(fresh, req.Flags["level"]), StreamID: first.StreamID, More: true}
		if err := WriteFrame(conn, frame); err != nil {
			return
		}
	}
}

// freshLines returns the lines in cur that follow the last line of
// prev. Runner tails carry no positions, so this keys off the last
// previously-seen line; when that line has already rotated out of the
// buffer, the whole current tail counts as fresh.
func freshLines(prev, cur []string) []string {
	if len(prev) == 0 {
		return cur
	}
	last := prev[len(prev)-1]
	for i := len(cur) - 1; i >= 0; i-- {
		if cur[i] == last {
			return cur[i+1:]
		}
	}
	return cur
}
