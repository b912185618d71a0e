package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/roach88/dlpd/internal/engine"
	"github.com/roach88/dlpd/internal/policy"
)

// FileRegistration is one entry of a register request.
type FileRegistration struct {
	Path        string `json:"path"`
	SourceURL   string `json:"source_url"`
	ReferrerURL string `json:"referrer_url,omitempty"`
}

// RegisterRequest is the body of POST /v1/files.
type RegisterRequest struct {
	Files []FileRegistration `json:"files"`
}

// AccessRequest is the body of POST /v1/access.
type AccessRequest struct {
	Paths          []string         `json:"paths"`
	PID            int32            `json:"pid"`
	DestinationURL string           `json:"destination_url,omitempty"`
	Component      policy.Component `json:"destination_component,omitempty"`
}

// AccessResponse answers POST /v1/access.
type AccessResponse struct {
	Allowed bool   `json:"allowed"`
	GrantID string `json:"grant_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TransferCheckRequest is the body of POST /v1/transfer/check.
type TransferCheckRequest struct {
	Paths          []string          `json:"paths"`
	DestinationURL string            `json:"destination_url,omitempty"`
	Component      policy.Component  `json:"destination_component,omitempty"`
	Action         policy.FileAction `json:"action,omitempty"`
	PID            int32             `json:"pid,omitempty"`
}

// TransferCheckResponse answers POST /v1/transfer/check.
type TransferCheckResponse struct {
	RestrictedPaths []string `json:"restricted_paths"`
	Error           string   `json:"error,omitempty"`
}

// ProvenanceRequest is the body of POST /v1/provenance.
type ProvenanceRequest struct {
	Inodes []uint64 `json:"inodes,omitempty"`
	Paths  []string `json:"paths,omitempty"`
}

// ProvenanceResponse answers POST /v1/provenance.
type ProvenanceResponse struct {
	Files []engine.Provenance `json:"files"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	counts := s.engine.Errors()
	out := make(map[string]int64, len(counts))
	for k, v := range counts {
		out[string(k)] = v
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	rules, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("read body: %v", err)})
		return
	}
	if err := s.engine.SetPolicy(r.Context(), rules); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterFiles(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	regs := make([]engine.Registration, 0, len(req.Files))
	for _, f := range req.Files {
		if f.Path == "" {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "path is required"})
			return
		}
		regs = append(regs, engine.Registration{
			Path:        f.Path,
			SourceURL:   f.SourceURL,
			ReferrerURL: f.ReferrerURL,
		})
	}
	if err := s.engine.RegisterFiles(r.Context(), regs); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheckTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferCheckRequest
	if !decode(w, r, &req) {
		return
	}
	restricted, err := s.engine.CheckTransfer(r.Context(), engine.TransferCheck{
		Paths:          req.Paths,
		DestinationURL: req.DestinationURL,
		Component:      req.Component,
		Action:         req.Action,
		PID:            req.PID,
	})
	if restricted == nil {
		restricted = []string{}
	}
	if err != nil {
		if engine.IsKind(err, engine.KindRemoteCall) || engine.IsKind(err, engine.KindInvalidProto) {
			// Everything unchecked is reported restricted alongside the error.
			s.log.Warn("transfer check failed", "request_id", RequestID(r.Context()), "error", err)
			writeJSON(w, http.StatusBadGateway, TransferCheckResponse{RestrictedPaths: restricted, Error: err.Error()})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TransferCheckResponse{RestrictedPaths: restricted})
}

func (s *Server) handleProvenance(w http.ResponseWriter, r *http.Request) {
	var req ProvenanceRequest
	if !decode(w, r, &req) {
		return
	}
	records, err := s.engine.GetProvenance(r.Context(), engine.ProvenanceQuery{
		Inodes: req.Inodes,
		Paths:  req.Paths,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProvenanceResponse{Files: records})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("decode request: %v", err)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an engine error to an HTTP status and error kind.
func statusFor(err error) (int, string) {
	var ee *engine.Error
	if errors.As(err, &ee) {
		switch ee.Kind {
		case engine.KindStoreNotReady:
			return http.StatusServiceUnavailable, string(ee.Kind)
		case engine.KindResolveFileID:
			return http.StatusBadRequest, string(ee.Kind)
		case engine.KindRemoteCall, engine.KindInvalidProto:
			return http.StatusBadGateway, string(ee.Kind)
		default:
			return http.StatusInternalServerError, string(ee.Kind)
		}
	}
	switch {
	case errors.Is(err, engine.ErrOutsideRoot):
		return http.StatusBadRequest, ""
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable, ""
	}
	return http.StatusInternalServerError, ""
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "request_id", RequestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}
