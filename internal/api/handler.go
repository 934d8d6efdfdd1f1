// Package api provides the HTTP API handlers and routing for the render
// coordination service.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jetspiking/RenderOnline/internal/apperrors"
	"github.com/jetspiking/RenderOnline/internal/health"
	"github.com/jetspiking/RenderOnline/internal/render"
)

const (
	// maxRequestBodySize limits JSON request bodies to 1MB.
	maxRequestBodySize = 1 << 20

	// maxUploadSize limits an enqueue submission, scene file included.
	maxUploadSize = 512 << 20
)

// Handler contains HTTP handlers for the render API.
type Handler struct {
	svc    *render.Service
	health *health.Checker
}

// NewHandler creates a new API handler.
func NewHandler(svc *render.Service, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:    svc,
		health: healthChecker,
	}
}

// UserInfo is the profile part of an info response.
type UserInfo struct {
	UserID    int64  `json:"userId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// TaskInfo is one task with render and engine detail.
type TaskInfo struct {
	TaskID    int64      `json:"taskId"`
	QueueTime time.Time  `json:"queueTime"`
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	IsRunning bool       `json:"isRunning"`
	IsSuccess bool       `json:"isSuccess"`
	Engine    string     `json:"engine"`
	FileName  string     `json:"fileName"`
	FileSize  int64      `json:"fileSize"`
}

// InfoResponse is the response of GET info.
type InfoResponse struct {
	User  UserInfo   `json:"user"`
	Tasks []TaskInfo `json:"tasks"`
}

// TaskRequest addresses one task by id.
type TaskRequest struct {
	TaskID int64 `json:"taskId"`
}

// EnqueueResponse acknowledges an enqueue submission.
type EnqueueResponse struct {
	IsAdded      bool   `json:"isAdded"`
	TaskID       int64  `json:"taskId,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// DequeueResponse acknowledges a dequeue request.
type DequeueResponse struct {
	IsRemoved    bool   `json:"isRemoved"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// DeleteResponse acknowledges a delete request.
type DeleteResponse struct {
	IsDeleted    bool   `json:"isDeleted"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Info handles GET /renderapi/v1/info.
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	details, err := h.svc.Info(r.Context(), user)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := InfoResponse{
		User: UserInfo{
			UserID:    user.UserID,
			FirstName: user.FirstName,
			LastName:  user.LastName,
			Email:     user.Email,
		},
		Tasks: make([]TaskInfo, 0, len(details)),
	}
	for _, d := range details {
		resp.Tasks = append(resp.Tasks, TaskInfo{
			TaskID:    d.Task.TaskID,
			QueueTime: d.Task.QueueTime,
			StartTime: d.Task.StartTime,
			EndTime:   d.Task.EndTime,
			IsRunning: d.Task.IsRunning,
			IsSuccess: d.Task.IsSuccess,
			Engine:    d.Engine.Name,
			FileName:  d.Render.FileName,
			FileSize:  d.Render.FileSize,
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Enqueue handles POST /renderapi/v1/enqueue. The body is multipart with a
// "request" JSON part and exactly one "file" part.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.writeJSON(w, http.StatusBadRequest, EnqueueResponse{ErrorMessage: "invalid multipart body: " + err.Error()})
		return
	}
	defer r.MultipartForm.RemoveAll()

	var req render.EnqueueRequest
	if err := json.Unmarshal([]byte(r.FormValue("request")), &req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, EnqueueResponse{ErrorMessage: "invalid request part: " + err.Error()})
		return
	}

	files := r.MultipartForm.File["file"]
	if len(files) != 1 {
		h.writeJSON(w, http.StatusBadRequest, EnqueueResponse{ErrorMessage: "exactly one file is required"})
		return
	}
	file, err := files[0].Open()
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, EnqueueResponse{ErrorMessage: "cannot read uploaded file: " + err.Error()})
		return
	}
	defer file.Close()

	task, err := h.svc.Enqueue(r.Context(), user, req, files[0].Filename, file)
	if err != nil {
		h.logError(r, err)
		h.writeJSON(w, apperrors.HTTPStatus(err), EnqueueResponse{ErrorMessage: err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, EnqueueResponse{IsAdded: true, TaskID: task.TaskID})
}

// Dequeue handles POST /renderapi/v1/dequeue.
func (h *Handler) Dequeue(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	req, ok := h.decodeTaskRequest(w, r)
	if !ok {
		return
	}

	removed, err := h.svc.Dequeue(r.Context(), user, req.TaskID)
	if err != nil {
		h.logError(r, err)
		h.writeJSON(w, apperrors.HTTPStatus(err), DequeueResponse{ErrorMessage: err.Error()})
		return
	}
	if !removed {
		h.writeJSON(w, http.StatusOK, DequeueResponse{ErrorMessage: "no active render for this task"})
		return
	}

	h.writeJSON(w, http.StatusOK, DequeueResponse{IsRemoved: true})
}

// Download handles POST /renderapi/v1/download and streams a tar.gz of the
// task's artifact directory.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	req, ok := h.decodeTaskRequest(w, r)
	if !ok {
		return
	}

	archivePath, name, err := h.svc.Download(r.Context(), user, req.TaskID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer h.svc.Cleanup(r.Context(), archivePath)

	archive, err := os.Open(archivePath)
	if err != nil {
		h.handleError(w, r, apperrors.Internal("api.download", err))
		return
	}
	defer archive.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	if _, err := io.Copy(w, archive); err != nil {
		slog.Warn("Archive stream interrupted", "path", r.URL.Path, "error", err)
	}
}

// Delete handles POST /renderapi/v1/delete.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	req, ok := h.decodeTaskRequest(w, r)
	if !ok {
		return
	}

	if err := h.svc.Delete(r.Context(), user, req.TaskID); err != nil {
		h.logError(r, err)
		h.writeJSON(w, apperrors.HTTPStatus(err), DeleteResponse{ErrorMessage: err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, DeleteResponse{IsDeleted: true})
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the task store is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func (h *Handler) decodeTaskRequest(w http.ResponseWriter, r *http.Request) (TaskRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return TaskRequest{}, false
	}
	return req, true
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps a service error to an HTTP status.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	h.logError(r, err)
	h.writeError(w, apperrors.HTTPStatus(err), err.Error())
}

func (h *Handler) logError(r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
}
