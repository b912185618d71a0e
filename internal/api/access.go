package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/roach88/dlpd/internal/engine"
)

// fileConn is implemented by the unix and TCP connections the server hands
// out.
type fileConn interface {
	File() (*os.File, error)
}

// handleRequestAccess decides an access request and answers on a hijacked
// connection. The connection is the grant's lifeline: the caller keeps it
// open for as long as it needs the files and closes it when done. On a unix
// socket the grant's pid is checked against SO_PEERCRED.
func (s *Server) handleRequestAccess(w http.ResponseWriter, r *http.Request) {
	var req AccessRequest
	if !decode(w, r, &req) {
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "connection cannot be hijacked"})
		return
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: fmt.Sprintf("hijack: %v", err)})
		return
	}
	// The engine keeps its own duplicate of the descriptor; closing ours
	// leaves the socket open until the caller hangs up.
	defer conn.Close()

	pid, err := s.accessPID(conn, req.PID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrPIDMismatch) {
			status = http.StatusForbidden
		}
		s.log.Warn("access refused", "request_id", RequestID(r.Context()), "pid", req.PID, "error", err)
		s.writeAccessResponse(r, buf, status, AccessResponse{Error: err.Error()})
		return
	}

	var lifeline *os.File
	if fc, ok := conn.(fileConn); ok {
		f, err := fc.File()
		if err != nil {
			s.log.Warn("lifeline unavailable", "request_id", RequestID(r.Context()), "error", err)
		} else {
			lifeline = f
			defer lifeline.Close()
		}
	}

	res, err := s.engine.RequestAccess(r.Context(), engine.AccessRequest{
		Paths:          req.Paths,
		PID:            pid,
		DestinationURL: req.DestinationURL,
		Component:      req.Component,
		Lifeline:       lifeline,
	})

	status := http.StatusOK
	resp := AccessResponse{Allowed: res.Allowed}
	if res.GrantID != uuid.Nil {
		resp.GrantID = res.GrantID.String()
	}
	if err != nil {
		status, _ = statusFor(err)
		resp.Error = err.Error()
	}
	s.log.Info("access decided",
		"request_id", RequestID(r.Context()),
		"pid", pid,
		"allowed", resp.Allowed,
		"grant", resp.GrantID,
		"status", status,
	)
	s.writeAccessResponse(r, buf, status, resp)
}

// accessPID checks the requested pid against the connection's peer.
func (s *Server) accessPID(conn net.Conn, requested int32) (int32, error) {
	cred, err := s.peerCred(conn)
	if errors.Is(err, errNoPeerCred) {
		return grantPID(requested, nil)
	}
	if err != nil {
		return 0, err
	}
	return grantPID(requested, cred)
}

// writeAccessResponse writes a complete HTTP response on the hijacked
// connection.
func (s *Server) writeAccessResponse(r *http.Request, buf *bufio.ReadWriter, status int, resp AccessResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("encode access response", "error", err)
		return
	}
	body = append(body, '\n')

	var out bytes.Buffer
	fmt.Fprintf(&out, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(&out, "Content-Type: application/json\r\n")
	fmt.Fprintf(&out, "%s: %s\r\n", RequestIDHeader, RequestID(r.Context()))
	fmt.Fprintf(&out, "Content-Length: %d\r\n\r\n", len(body))
	out.Write(body)

	if _, err := buf.Write(out.Bytes()); err != nil {
		s.log.Warn("write access response", "request_id", RequestID(r.Context()), "error", err)
		return
	}
	if err := buf.Flush(); err != nil {
		s.log.Warn("flush access response", "request_id", RequestID(r.Context()), "error", err)
	}
}
