package task

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cloudagent-dev/cloudagent/internal/artifact"
	"github.com/cloudagent-dev/cloudagent/internal/vault"
	"github.com/cloudagent-dev/cloudagent/pkg/cerr"
)

type Server struct {
	service   *Service
	artifacts *artifact.Store
}

func NewServer(service *Service, artifacts *artifact.Store) *Server {
	return &Server{service: service, artifacts: artifacts}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.createTask)
		r.Get("/", s.listTasks)
		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", s.getTask)
			r.Post("/cancel", s.cancelTask)
			r.Get("/logs", s.getLogs)
			r.Get("/files", s.getFiles)
			r.Get("/session", s.getSession)
		})
	})
}

type createTaskRequest struct {
	Prompt        string             `json:"prompt"`
	RepositoryURL string             `json:"repository_url"`
	ParentTaskID  string             `json:"parent_task_id,omitempty"`
	Credentials   *vault.Credentials `json:"credentials,omitempty"`
}

// taskResponse is the external projection of a task. Encrypted credentials
// deliberately have no field here.
type taskResponse struct {
	ID            string     `json:"id"`
	Prompt        string     `json:"prompt"`
	RepositoryURL string     `json:"repository_url"`
	Status        Status     `json:"status"`
	ParentTaskID  string     `json:"parent_task_id,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	BranchName    string     `json:"branch_name,omitempty"`
	Result        *Result    `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func toResponse(t *Task) *taskResponse {
	return &taskResponse{
		ID:            t.ID,
		Prompt:        t.Prompt,
		RepositoryURL: t.RepositoryURL,
		Status:        t.Status,
		ParentTaskID:  t.ParentTaskID,
		SessionID:     t.SessionID,
		BranchName:    t.BranchName,
		Result:        t.Result,
		Error:         t.Error,
		CreatedAt:     t.CreatedAt,
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
	}
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	t, err := s.service.Create(ctx, CreateRequest{
		Prompt:        req.Prompt,
		RepositoryURL: req.RepositoryURL,
		ParentTaskID:  req.ParentTaskID,
		Credentials:   req.Credentials,
	})
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponseStatus(ctx, http.StatusCreated, toResponse(t))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.service.Get(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, toResponse(t))
}

type listTasksResponse struct {
	Tasks  []*taskResponse `json:"tasks"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, offset := queryInt(r, "limit", 50), queryInt(r, "offset", 0)
	var filter Filter
	if v := r.URL.Query().Get("status"); v != "" {
		status := Status(v)
		if !status.Valid() {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "unknown status filter", nil)
			return
		}
		filter.Status = status
	}
	tasks, total, err := s.service.List(ctx, filter, limit, offset)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	resp := listTasksResponse{Tasks: make([]*taskResponse, len(tasks)), Total: total, Limit: limit, Offset: offset}
	for i, t := range tasks {
		resp.Tasks[i] = toResponse(t)
	}
	cerr.SetJSONResponse(ctx, resp)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.service.Cancel(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, toResponse(t))
}

type logsResponse struct {
	Messages []json.RawMessage `json:"messages"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "taskID")
	if _, err := s.service.Get(ctx, id); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	lines, err := s.artifacts.ReadSession(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	limit, offset := queryInt(r, "limit", 100), queryInt(r, "offset", 0)
	total := len(lines)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	resp := logsResponse{Messages: make([]json.RawMessage, 0, end-offset), Total: total, Limit: limit, Offset: offset}
	for _, line := range lines[offset:end] {
		resp.Messages = append(resp.Messages, json.RawMessage(line))
	}
	cerr.SetJSONResponse(ctx, resp)
}

type fileEntry struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

type filesResponse struct {
	Files []fileEntry `json:"files"`
}

func (s *Server) getFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "taskID")
	t, err := s.service.Get(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if t.Status != StatusCompleted {
		cerr.SetNewJSONError(ctx, cerr.FailedPrecondition, "files are available only for completed tasks", nil)
		return
	}

	if path := r.URL.Query().Get("path"); path != "" {
		data, err := s.artifacts.ReadFile(ctx, id, path)
		if err != nil {
			cerr.SetJSONError(ctx, err)
			return
		}
		cerr.SetJSONResponse(ctx, fileEntry{Path: path, Content: base64.StdEncoding.EncodeToString(data)})
		return
	}

	paths, err := s.artifacts.ListFiles(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	resp := filesResponse{Files: make([]fileEntry, len(paths))}
	for i, p := range paths {
		resp.Files[i] = fileEntry{Path: p}
	}
	cerr.SetJSONResponse(ctx, resp)
}

type sessionResponse struct {
	SessionID  string `json:"session_id"`
	Transcript string `json:"transcript"`
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "taskID")
	t, err := s.service.Get(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if t.SessionID == "" {
		cerr.SetNewJSONError(ctx, cerr.NotFound, "task has no session", nil)
		return
	}
	raw, err := s.artifacts.RawSession(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, sessionResponse{SessionID: t.SessionID, Transcript: string(raw)})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
