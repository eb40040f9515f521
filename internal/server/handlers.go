package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/voxgate/internal/history"
	"github.com/MrWong99/voxgate/internal/jobs"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/transcribe"
	"github.com/MrWong99/voxgate/internal/validate"
	"github.com/MrWong99/voxgate/pkg/audio"
)

// reasonUnknownProvider is reported when a request names a provider that is
// not configured.
const reasonUnknownProvider = "unknown_provider"

type errorResponse struct {
	Error    string            `json:"error"`
	Reason   string            `json:"reason,omitempty"`
	Class    string            `json:"class,omitempty"`
	Failures []failureResponse `json:"failures,omitempty"`
}

type failureResponse struct {
	Provider string `json:"provider"`
	Class    string `json:"class"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type historyItem struct {
	JobID     string    `json:"job_id"`
	Filename  string    `json:"filename"`
	Provider  string    `json:"provider"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// upload is a parsed multipart submission.
type upload struct {
	payload    audio.Payload
	provider   string
	webhookURL string
	userID     string
}

// readUpload parses the multipart form fields file, provider, webhook_url
// and user_id. It writes the error response itself and returns false when
// the request is unusable.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (upload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.reject(w, http.StatusRequestEntityTooLarge, string(validate.ReasonTooLarge),
				fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit))
			return upload{}, false
		}
		writeError(w, http.StatusBadRequest, errorResponse{Error: "malformed multipart body: " + err.Error()})
		return upload{}, false
	}
	defer r.MultipartForm.RemoveAll()

	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: `missing "file" field`})
		return upload{}, false
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "read upload: " + err.Error()})
		return upload{}, false
	}

	return upload{
		payload:    audio.NewPayload(hdr.Filename, hdr.Header.Get("Content-Type"), data),
		provider:   r.FormValue("provider"),
		webhookURL: r.FormValue("webhook_url"),
		userID:     r.FormValue("user_id"),
	}, true
}

// reject answers a request refused before any provider was contacted and
// counts it.
func (s *Server) reject(w http.ResponseWriter, status int, reason, msg string) {
	if s.agg != nil {
		s.agg.RecordRejection(reason)
	}
	writeError(w, status, errorResponse{Error: msg, Reason: reason, Class: string(transcribe.ClassValidation)})
}

// POST /transcribe_async
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	up, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	id, err := s.jobs.Submit(r.Context(), jobs.Submission{
		Payload:    up.payload,
		Provider:   up.provider,
		WebhookURL: up.webhookURL,
		UserID:     up.userID,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, submitResponse{JobID: id, Status: string(history.StatusQueued)})
	case errors.Is(err, validate.ErrInvalid):
		// Submit has already counted the rejection.
		writeError(w, http.StatusBadRequest, errorResponse{
			Error:  err.Error(),
			Reason: string(validate.ReasonOf(err)),
			Class:  string(transcribe.ClassValidation),
		})
	case errors.Is(err, transcribe.ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, errorResponse{
			Error:  err.Error(),
			Reason: reasonUnknownProvider,
			Class:  string(transcribe.ClassValidation),
		})
	default:
		observe.Logger(r.Context()).Error("job submission failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Class: string(transcribe.Classify(err))})
	}
}

// POST /transcribe
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	up, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	payload, _, err := s.validator.Inspect(up.payload)
	if err != nil {
		s.reject(w, http.StatusBadRequest, string(validate.ReasonOf(err)), err.Error())
		return
	}
	if up.provider != "" && !s.router.Has(up.provider) {
		s.reject(w, http.StatusBadRequest, reasonUnknownProvider, fmt.Sprintf("unknown provider %q", up.provider))
		return
	}

	res, err := s.router.Resolve(r.Context(), payload, up.provider)
	if err != nil {
		s.writeResolveError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeResolveError(w http.ResponseWriter, r *http.Request, err error) {
	class := transcribe.Classify(err)
	body := errorResponse{Error: err.Error(), Class: string(class)}

	var all *transcribe.AllProvidersExhaustedError
	if errors.As(err, &all) {
		for _, f := range all.Failures {
			body.Failures = append(body.Failures, failureResponse{
				Provider: f.Provider,
				Class:    string(f.Class),
				Attempts: f.Attempts,
				Error:    f.Err.Error(),
			})
		}
	}

	status := http.StatusBadGateway
	switch class {
	case transcribe.ClassValidation:
		status = http.StatusBadRequest
	case transcribe.ClassTimeout:
		status = http.StatusGatewayTimeout
	case transcribe.ClassCanceled:
		// The client is gone; the status is for the access log only.
		status = http.StatusServiceUnavailable
	case transcribe.ClassInternal:
		status = http.StatusInternalServerError
	}
	observe.Logger(r.Context()).Warn("synchronous transcription failed", "class", class, "err", err)
	writeError(w, status, body)
}

// GET /job_status/{id}
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.PathValue("id"))
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GET /providers
func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	names := s.router.Names()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"providers": names})
}

// GET /history?user_id=&status=&limit=
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := history.Filter{UserID: q.Get("user_id"), Status: history.Status(q.Get("status"))}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid limit %q", v)})
			return
		}
		f.Limit = n
	}

	list := s.jobs.List(f)
	items := make([]historyItem, 0, len(list))
	for _, j := range list {
		items = append(items, historyItem{
			JobID:     j.ID,
			Filename:  j.Filename,
			Provider:  j.DisplayProvider(),
			Status:    string(j.Status),
			CreatedAt: j.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

// GET /analytics/providers
func (s *Server) handleProviderCounts(w http.ResponseWriter, _ *http.Request) {
	snap := s.agg.Snapshot()
	writeJSON(w, http.StatusOK, map[string]map[string]int64{
		"provider_counts": snap.Attempts,
		"success_counts":  snap.Successes,
	})
}

// GET /analytics/errors
func (s *Server) handleErrorCounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]map[string]int64{"error_counts": s.agg.Snapshot().Errors})
}

// GET /analytics/users
func (s *Server) handleUserCounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]map[string]int64{"user_counts": s.agg.Snapshot().Users})
}

// GET /metrics
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.agg.Snapshot())
}

func writeError(w http.ResponseWriter, status int, body errorResponse) {
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}
