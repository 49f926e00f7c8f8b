package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/contract-sentinel/internal/extract"
	"github.com/raaihank/contract-sentinel/internal/pipeline"
	"github.com/raaihank/contract-sentinel/internal/queue"
	"github.com/raaihank/contract-sentinel/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type createRequest struct {
	Text             string `json:"text"`
	SourceIdentifier string `json:"source_identifier" validate:"omitempty,max=1024"`
	DocumentID       string `json:"document_id" validate:"omitempty,max=128,printascii"`
	Force            bool   `json:"force"`
}

type processResponse struct {
	DocumentID string           `json:"document_id"`
	State      pipeline.State   `json:"state"`
	States     []pipeline.State `json:"states"`
	Cached     bool             `json:"cached"`
	Skipped    bool             `json:"skipped"`
	Shared     bool             `json:"shared"`
	Result     *store.Result    `json:"result"`
}

type queuedResponse struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
}

var requestValidator = validator.New()

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "contract-sentinel",
		"version": version,
		"endpoints": []string{
			"POST /v1/documents",
			"GET /v1/documents",
			"GET /v1/documents/{id}",
			"DELETE /v1/documents/{id}",
			"GET /v1/documents/{id}/run",
			"POST /v1/documents/{id}/retry",
		},
	})
}

// handleHealth reports storage reachability
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.deps.Documents.Ping(ctx); err != nil {
		s.logger.Warn("Health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":    "unhealthy",
			"error":     err.Error(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":            "contract-sentinel",
		"version":         version,
		"model":           s.config.Analysis.Model,
		"schema":          s.config.Analysis.Schema,
		"detectors":       s.config.Privacy.Detectors,
		"ner_enabled":     s.config.Privacy.NER.Enabled,
		"async_enabled":   s.deps.Queue != nil,
		"tracked_clients": s.deps.Limiter.Clients(),
	}
	if s.deps.Hub != nil {
		info["websocket"] = s.deps.Hub.GetStats()
	}
	writeJSON(w, http.StatusOK, info)
}

// handleCreateDocument accepts a multipart upload or JSON text. With
// ?async=true the document is spooled and queued instead of processed inline.
func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	job, err := s.readJob(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("async") == "true" {
		s.enqueueJob(w, r, job)
		return
	}

	outcome, err := s.deps.Pipeline.Process(r.Context(), job)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newProcessResponse(outcome))
}

func (s *Server) readJob(w http.ResponseWriter, r *http.Request) (pipeline.Job, error) {
	limit := s.config.Server.MaxUpload
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return s.readUpload(r, limit)
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return pipeline.Job{}, &extract.Error{Kind: extract.KindTooLarge, Source: "request body", Err: err}
		}
		return pipeline.Job{}, &badRequest{msg: "invalid JSON body: " + err.Error()}
	}
	if strings.TrimSpace(req.Text) == "" {
		return pipeline.Job{}, &badRequest{msg: "text is required"}
	}
	if err := requestValidator.Struct(req); err != nil {
		return pipeline.Job{}, &badRequest{msg: err.Error()}
	}

	return pipeline.Job{
		DocumentID: req.DocumentID,
		Source:     extract.TextSource(req.Text, req.SourceIdentifier),
		Force:      req.Force,
	}, nil
}

func (s *Server) readUpload(r *http.Request, limit int64) (pipeline.Job, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return pipeline.Job{}, &extract.Error{Kind: extract.KindTooLarge, Source: "upload", Err: err}
		}
		return pipeline.Job{}, &badRequest{msg: "invalid multipart form: " + err.Error()}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return pipeline.Job{}, &badRequest{msg: "missing file field"}
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return pipeline.Job{}, &extract.Error{Kind: extract.KindTooLarge, Source: header.Filename,
			Err: fmt.Errorf("upload exceeds %d bytes", limit)}
	}

	req := createRequest{
		SourceIdentifier: r.FormValue("source_identifier"),
		DocumentID:       r.FormValue("document_id"),
		Force:            r.FormValue("force") == "true",
	}
	if err := requestValidator.Struct(req); err != nil {
		return pipeline.Job{}, &badRequest{msg: err.Error()}
	}
	name := req.SourceIdentifier
	if name == "" {
		name = filepath.Base(header.Filename)
	}

	return pipeline.Job{
		DocumentID: req.DocumentID,
		Source: extract.Source{
			Name:        name,
			Data:        data,
			ContentType: header.Header.Get("Content-Type"),
		},
		Force: req.Force,
	}, nil
}

// enqueueJob spools the document bytes so a worker can re-read them
func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request, job pipeline.Job) {
	if s.deps.Queue == nil {
		writeError(w, &badRequest{msg: "async processing is not enabled"})
		return
	}
	if job.DocumentID == "" {
		job.DocumentID = pipeline.DocumentID(job.Source.Data)
	}

	path := filepath.Join(s.config.Server.SpoolDir, uuid.NewString()+spoolExt(job.Source))
	if err := os.WriteFile(path, job.Source.Data, 0o600); err != nil {
		writeError(w, fmt.Errorf("failed to spool document: %w", err))
		return
	}

	err := s.deps.Queue.Enqueue(r.Context(), queue.Task{
		DocumentID:  job.DocumentID,
		SourceName:  job.Source.Name,
		SourcePath:  path,
		ContentType: job.Source.ContentType,
	})
	if err != nil {
		os.Remove(path)
		writeError(w, fmt.Errorf("failed to enqueue document: %w", err))
		return
	}

	w.Header().Set("Location", "/v1/documents/"+job.DocumentID+"/run")
	writeJSON(w, http.StatusAccepted, queuedResponse{DocumentID: job.DocumentID, Status: "queued"})
}

func spoolExt(src extract.Source) string {
	if ext := filepath.Ext(src.Name); ext != "" && len(ext) <= 8 {
		return strings.ToLower(ext)
	}
	if src.ContentType == "text/plain" {
		return ".txt"
	}
	return ""
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if limit < 1 || limit > maxPageSize {
		limit = defaultPageSize
	}

	docs, total, err := s.deps.Documents.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if docs == nil {
		docs = []store.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &badRequest{msg: fmt.Sprintf("invalid %s: %q", key, raw)}
	}
	return n, nil
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Documents.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Documents.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Pipeline.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRetry re-drives a document from its checkpointed source
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if r.URL.Query().Get("async") == "true" {
		if s.deps.Queue == nil {
			writeError(w, &badRequest{msg: "async processing is not enabled"})
			return
		}
		if _, err := s.deps.Pipeline.Status(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		if err := s.deps.Queue.Enqueue(r.Context(), queue.Task{DocumentID: id, Redrive: true}); err != nil {
			writeError(w, fmt.Errorf("failed to enqueue retry: %w", err))
			return
		}
		writeJSON(w, http.StatusAccepted, queuedResponse{DocumentID: id, Status: "queued"})
		return
	}

	outcome, err := s.deps.Pipeline.Redrive(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.cleanupSpool(r.Context(), id, "")
	writeJSON(w, http.StatusOK, newProcessResponse(outcome))
}

func newProcessResponse(o *pipeline.Outcome) processResponse {
	return processResponse{
		DocumentID: o.Result.DocumentID,
		State:      pipeline.StatePersisted,
		States:     o.States,
		Cached:     o.Cached,
		Skipped:    o.Skipped,
		Shared:     o.Shared,
		Result:     o.Result,
	}
}

// HandleTask processes one queued task. Spooled uploads are removed once
// the document is persisted.
func (s *Server) HandleTask(ctx context.Context, task queue.Task) error {
	var err error
	if task.Redrive {
		_, err = s.deps.Pipeline.Redrive(ctx, task.DocumentID)
	} else {
		_, err = s.deps.Pipeline.Process(ctx, pipeline.Job{
			DocumentID: task.DocumentID,
			Source: extract.Source{
				Name:        task.SourceName,
				Path:        task.SourcePath,
				ContentType: task.ContentType,
			},
		})
	}
	if err != nil {
		return err
	}

	s.cleanupSpool(ctx, task.DocumentID, task.SourcePath)
	return nil
}

// cleanupSpool removes a persisted document's spooled upload. Files
// outside the spool directory are left alone.
func (s *Server) cleanupSpool(ctx context.Context, documentID, path string) {
	if path == "" {
		run, err := s.deps.Pipeline.Status(ctx, documentID)
		if err != nil || run.SourcePath == "" {
			return
		}
		path = run.SourcePath
	}
	rel, err := filepath.Rel(s.config.Server.SpoolDir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove spooled document", zap.String("path", path), zap.Error(err))
	}
}
