package controlplane

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds a single control-plane frame, guarding the socket
// against a malformed length prefix driving an unbounded allocation.
const maxFrameSize = 16 * 1024 * 1024

// Request is one length-prefixed control-plane command (spec §4.8:
// "up [fqn*], down [fqn*], restart <fqn>, status [--all], logs <fqn>
// [--follow] [--level] [--since], source {add,remove,list,enable,
// disable,reload}, ssl {status,renew,issue,domains}").
type Request struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Flags   map[string]string `json:"flags,omitempty"`
}

// Response is the structured reply to one Request (spec §4.8:
// "Responses are structured (status code, optional stream id for
// follow)").
type Response struct {
	Code     int    `json:"code"`
	Message  string `json:"message,omitempty"`
	Data     any    `json:"data,omitempty"`
	StreamID string `json:"stream_id,omitempty"`
	More     bool   `json:"more,omitempty"` // true if another frame follows (e.g. logs --follow)
}

// WriteFrame writes v as one length-prefixed JSON frame: a 4-byte
// big-endian length followed by the JSON body.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame and unmarshals it into v.
func ReadFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err // includes io.EOF on clean close
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}
	return json.Unmarshal(body, v)
}
