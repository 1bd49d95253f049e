package devserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/remotefn/internal/model"
)

const maxInputSize = 10 << 20 // 10 MB

func (s *Server) handleGetFunction(w http.ResponseWriter, r *http.Request) {
	fn, err := s.engine.Registry().Resolve(functionUID(r))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "Function not found.")
		return
	}
	s.writeJSON(w, http.StatusOK, fn.Spec())
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	key := apiKeyFrom(r)
	maxParallel := 0
	if key.MaxParallelJobs != nil {
		maxParallel = *key.MaxParallelJobs
	}

	info, err := s.engine.Create(r.Context(), functionUID(r), bearerToken(r), maxParallel)
	if err != nil {
		s.writeEngineError(w, "create execution", err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetExecutionInfo(w http.ResponseWriter, r *http.Request) {
	withStdout := r.URL.Query().Get("stdout") == "true"
	info, err := s.engine.Info(functionUID(r), chi.URLParam(r, "exec"), withStdout)
	if err != nil {
		s.writeEngineError(w, "get execution", err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUploadInput(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxInputSize)
	content, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "Input file is too large.")
		return
	}

	info, err := s.engine.Upload(functionUID(r), chi.URLParam(r, "exec"), chi.URLParam(r, "input"), content)
	if err != nil {
		s.writeEngineError(w, "upload input", err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.Start(functionUID(r), chi.URLParam(r, "exec"))
	if err != nil {
		s.writeEngineError(w, "start execution", err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStopExecution(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.Stop(functionUID(r), chi.URLParam(r, "exec"))
	if err != nil {
		s.writeEngineError(w, "stop execution", err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteExecution(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.Delete(functionUID(r), chi.URLParam(r, "exec"))
	if err != nil {
		s.writeEngineError(w, "delete execution", err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	f, err := s.engine.Output(functionUID(r), chi.URLParam(r, "exec"), chi.URLParam(r, "output"))
	if err != nil {
		s.writeEngineError(w, "get output", err)
		return
	}

	switch model.ContentKindFor(f.Path) {
	case model.ContentJSON:
		w.Header().Set("Content-Type", "application/json")
	case model.ContentText:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(f.Content); err != nil {
		s.logger.Error("write output", "output_id", f.ID, "error", err)
	}
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.keys.List(functionUID(r)))
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("name")
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "Key name is required.")
		return
	}

	key := model.APIKey{Name: name}
	for param, dst := range map[string]**int{
		"max_memory":        &key.MaxMemory,
		"max_time":          &key.MaxTime,
		"max_parallel_jobs": &key.MaxParallelJobs,
	} {
		raw := q.Get(param)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid value for %s.", param))
			return
		}
		*dst = &v
	}

	created, err := s.keys.Create(functionUID(r), key)
	if errors.Is(err, ErrKeyExists) {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("A key named '%s' already exists.", name))
		return
	}
	if err != nil {
		s.logger.Error("create api key", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create key.")
		return
	}
	s.writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.keys.Delete(functionUID(r), name); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("Key '%s' not found.", name))
			return
		}
		s.logger.Error("delete api key", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to delete key.")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

// writeEngineError maps engine errors onto service status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, ErrFunctionNotFound):
		s.writeError(w, http.StatusNotFound, "Function not found.")
	case errors.Is(err, ErrExecutionNotFound):
		s.writeError(w, http.StatusNotFound, "Execution not found.")
	case errors.Is(err, ErrOutputNotFound):
		s.writeError(w, http.StatusNotFound, "Output not found.")
	case errors.Is(err, ErrUnknownInput):
		s.writeError(w, http.StatusBadRequest, "This function does not accept an input with this id.")
	case errors.Is(err, ErrAlreadyStarted):
		s.writeError(w, http.StatusConflict, "Execution has already started.")
	case errors.Is(err, ErrParallelLimit):
		s.writeError(w, http.StatusTooManyRequests, "Parallel job limit reached for this key.")
	default:
		s.logger.Error(action, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error.")
	}
}
