package httpapi

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"notifyd/internal/dispatch"
	"notifyd/internal/storage"
)

// dispatchResponse is the uniform wire shape for every dispatch endpoint.
type dispatchResponse struct {
	Success           bool    `json:"success"`
	TransportID       string  `json:"transport_id,omitempty"`
	Reason            string  `json:"reason,omitempty"`
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
}

// writeResult maps engine outcomes to HTTP statuses: rate limits surface as
// 429 with a Retry-After header, transport exhaustion as 502. Business
// rejections (opt-out, unverified, no contact) are 200s: the request was
// handled correctly, delivery was just not warranted.
func writeResult(w http.ResponseWriter, res dispatch.Result) {
	resp := dispatchResponse{
		Success:           res.Success,
		TransportID:       res.TransportID,
		Reason:            string(res.Reason),
		RetryAfterSeconds: res.RetryAfter.Seconds(),
	}
	status := http.StatusOK
	switch res.Reason {
	case dispatch.ReasonRateLimited:
		status = http.StatusTooManyRequests
		secs := int(res.RetryAfter.Seconds() + 0.999)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	case dispatch.ReasonExhausted, dispatch.ReasonCancelled:
		status = http.StatusBadGateway
	case dispatch.ReasonInvalid:
		status = http.StatusBadRequest
	case dispatch.ReasonLookupError:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type jobCompleteRequest struct {
	UserID    string            `json:"user_id" validate:"required"`
	JobID     string            `json:"job_id" validate:"required"`
	Stats     dispatch.JobStats `json:"stats"`
	CSVBase64 string            `json:"csv_base64,omitempty"`
}

func (s *Server) handleJobComplete(w http.ResponseWriter, r *http.Request) {
	var req jobCompleteRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var payload []byte
	if req.CSVBase64 != "" {
		var err error
		payload, err = base64.StdEncoding.DecodeString(req.CSVBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "csv_base64 is not valid base64")
			return
		}
	}
	writeResult(w, s.engine.DispatchJobComplete(r.Context(), req.UserID, req.JobID, req.Stats, payload))
}

type jobFailedRequest struct {
	UserID       string `json:"user_id" validate:"required"`
	JobID        string `json:"job_id" validate:"required"`
	ErrorMessage string `json:"error_message" validate:"required"`
}

func (s *Server) handleJobFailed(w http.ResponseWriter, r *http.Request) {
	var req jobFailedRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeResult(w, s.engine.DispatchJobFailed(r.Context(), req.UserID, req.JobID, req.ErrorMessage))
}

type quotaRequest struct {
	UserID       string `json:"user_id" validate:"required"`
	CurrentUsage int    `json:"current_usage" validate:"min=0"`
	Limit        int    `json:"limit" validate:"required,gt=0"`
}

func (s *Server) handleQuotaWarning(w http.ResponseWriter, r *http.Request) {
	var req quotaRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeResult(w, s.engine.DispatchQuotaWarning(r.Context(), req.UserID, req.CurrentUsage, req.Limit))
}

func (s *Server) handleQuotaExceeded(w http.ResponseWriter, r *http.Request) {
	var req quotaRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeResult(w, s.engine.DispatchQuotaExceeded(r.Context(), req.UserID, req.Limit))
}

type welcomeRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Name   string `json:"name,omitempty"`
}

func (s *Server) handleWelcome(w http.ResponseWriter, r *http.Request) {
	var req welcomeRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeResult(w, s.engine.DispatchWelcome(r.Context(), req.UserID, req.Name))
}

type verifyRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	VerifyURL string `json:"verify_url" validate:"required,url"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeResult(w, s.engine.DispatchVerify(r.Context(), req.UserID, req.VerifyURL))
}

func (s *Server) handleLimitsGet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	remaining, err := s.limiter.Remaining(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":   userID,
		"remaining": remaining,
	})
}

func (s *Server) handleLimitsReset(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.limiter.Reset(r.Context(), userID); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "status": "reset"})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be in [1, 1000]")
			return
		}
		limit = n
	}
	entries, err := s.store.ListAudit(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	type auditJSON struct {
		At            string `json:"at"`
		Kind          string `json:"kind"`
		CorrelationID string `json:"correlation_id,omitempty"`
		Recipient     string `json:"recipient,omitempty"`
		TransportID   string `json:"transport_id,omitempty"`
		Status        string `json:"status"`
		Detail        string `json:"detail,omitempty"`
	}
	out := make([]auditJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditJSON{
			At:            e.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			Kind:          e.Kind,
			CorrelationID: e.CorrelationID,
			Recipient:     e.Recipient,
			TransportID:   e.TransportID,
			Status:        e.Status,
			Detail:        e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "entries": out})
}

func (s *Server) handlePreferencesGet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	prefs, ok, err := s.store.GetPreferences(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !ok {
		prefs = map[string]bool{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"has_record":  ok,
		"preferences": prefs,
	})
}

type preferencesRequest struct {
	Preferences map[string]bool `json:"preferences" validate:"required,min=1"`
}

func (s *Server) handlePreferencesPut(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req preferencesRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for kind := range req.Preferences {
		if !dispatch.Kind(kind).Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown notification kind %q", kind))
			return
		}
	}
	for kind, enabled := range req.Preferences {
		if err := s.store.SetPreference(r.Context(), userID, kind, enabled); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "updated": len(req.Preferences)})
}

type contactRequest struct {
	Address  string `json:"address" validate:"required,email"`
	Verified bool   `json:"verified"`
}

func (s *Server) handleContactPut(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req contactRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.store.UpsertContact(r.Context(), userID, storage.Contact{
		Address:  req.Address,
		Verified: req.Verified,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "status": "ok"})
}
