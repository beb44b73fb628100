//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

// Package server exposes the HTTP control API for research threads: starting
// and resuming runs, tailing the event stream over SSE, and read-only views
// of thread state, history and artifacts.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trpc.group/trpc-go/trpc-finagent-go/artifact"
	"trpc.group/trpc-go/trpc-finagent-go/event"
	"trpc.group/trpc-go/trpc-finagent-go/graph"
	"trpc.group/trpc-go/trpc-finagent-go/log"
	"trpc.group/trpc-go/trpc-finagent-go/workflow"
)

// Server is the HTTP control surface over a workflow scheduler and the
// artifact store.
type Server struct {
	sched  *workflow.Scheduler
	store  artifact.Service
	router *mux.Router
}

// Option configures the Server.
type Option func(*Server)

// New creates the control server.
func New(sched *workflow.Scheduler, store artifact.Service, opts ...Option) *Server {
	s := &Server{
		sched:  sched,
		store:  store,
		router: mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
	})
	s.router.Use(c.Handler)
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/stream", s.handleStream).Methods(http.MethodPost)
	s.router.HandleFunc("/stream/{thread_id}", s.handleStreamSSE).Methods(http.MethodGet)
	s.router.HandleFunc("/history/{thread_id}", s.handleHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/thread/{thread_id}", s.handleThread).Methods(http.MethodGet)
	s.router.HandleFunc("/thread/{thread_id}/agents", s.handleThreadAgents).Methods(http.MethodGet)
	s.router.HandleFunc("/api/artifacts/{artifact_id}", s.handleArtifact).Methods(http.MethodGet)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// streamRequest is the POST /stream body. A request with ResumePayload set
// resumes the thread's pending interrupt; otherwise it starts a fresh run.
type streamRequest struct {
	ThreadID      string         `json:"thread_id"`
	Message       string         `json:"message,omitempty"`
	ResumePayload map[string]any `json:"resume_payload,omitempty"`
}

// streamResponse acknowledges an accepted run.
type streamResponse struct {
	ThreadID  string    `json:"thread_id"`
	StartedAt time.Time `json:"started_at"`
}

// validationError is one entry of a 422 detail list.
type validationError struct {
	Loc  string `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer r.Body.Close()

	if req.ResumePayload != nil {
		if req.ThreadID == "" {
			writeDetail(w, http.StatusBadRequest, "thread_id is required to resume")
			return
		}
		if err := s.sched.Resume(r.Context(), req.ThreadID, req.ResumePayload); err != nil {
			s.writeRunError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, streamResponse{
			ThreadID:  req.ThreadID,
			StartedAt: time.Now().UTC(),
		})
		return
	}

	if req.Message == "" {
		writeDetail(w, http.StatusBadRequest, "message is required to start a thread")
		return
	}
	threadID, err := s.sched.Start(r.Context(), req.ThreadID, req.Message)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, streamResponse{
		ThreadID:  threadID,
		StartedAt: time.Now().UTC(),
	})
}

// writeRunError maps scheduler errors onto the API status classes: 409 for
// thread races, 422 with a detail list for resume payload violations.
func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	var invalid *graph.InvalidResumePayloadError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": validationDetail(invalid),
		})
	case errors.Is(err, graph.ErrThreadAlreadyRunning),
		errors.Is(err, graph.ErrNoPendingInterrupt):
		writeDetail(w, http.StatusConflict, err.Error())
	default:
		log.Errorf("server: stream request failed: %v", err)
		writeDetail(w, http.StatusInternalServerError, err.Error())
	}
}

// validationDetail converts the "/path: reason" detail lines into the
// structured {loc, msg, type} form.
func validationDetail(err *graph.InvalidResumePayloadError) []validationError {
	out := make([]validationError, 0, len(err.Detail))
	for _, line := range err.Detail {
		loc, msg := line, ""
		if i := strings.Index(line, ": "); i >= 0 {
			loc, msg = line[:i], line[i+2:]
		}
		out = append(out, validationError{Loc: loc, Msg: msg, Type: "validation_error"})
	}
	return out
}

func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	after, err := parseCursor(r, "after")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.sched.History(r.Context(), threadID, 0, 1); err != nil {
		s.writeLookupError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := s.sched.Subscribe(threadID, after)
	defer cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-events:
			if !open {
				// Thread complete: the terminal null frame tells the client
				// not to reconnect.
				fmt.Fprint(w, "data: null\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				log.Errorf("server: marshal event %s on thread %s: %v", evt.ID, threadID, err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleHistory serves the thread transcript newest-first. A before cursor
// pages toward older messages; the page size is bounded server-side.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	before, err := parseCursor(r, "before")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeDetail(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}
	page, err := s.sched.History(r.Context(), threadID, before, limit)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	state, err := s.sched.State(r.Context(), threadID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleThreadAgents(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	state, err := s.sched.State(r.Context(), threadID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	statuses := make(map[string]event.AgentState, len(state.Agents))
	for agentID, view := range state.Agents {
		statuses[agentID] = view.Status
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	artifactID := mux.Vars(r)["artifact_id"]
	env, err := s.store.Get(r.Context(), artifactID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrThreadNotFound),
		errors.Is(err, artifact.ErrNotFound):
		writeDetail(w, http.StatusNotFound, err.Error())
	default:
		log.Errorf("server: lookup failed: %v", err)
		writeDetail(w, http.StatusInternalServerError, err.Error())
	}
}

func parseCursor(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return cursor, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("server: write response: %v", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
