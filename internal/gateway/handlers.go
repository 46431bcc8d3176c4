package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/haasonsaas/courier/internal/auth"
	"github.com/haasonsaas/courier/internal/channels"
	"github.com/haasonsaas/courier/internal/storage"
	"github.com/haasonsaas/courier/pkg/models"
)

// sendRequest is the body for POST /notifications/{service}.
type sendRequest struct {
	Recipient string         `json:"recipient"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// mediaRequest is the body for POST /notifications/{service}/media. Path
// points at a file readable by the relay host.
type mediaRequest struct {
	Recipient string         `json:"recipient"`
	Path      string         `json:"path"`
	Caption   string         `json:"caption,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	service, ok := s.serviceParam(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ctx, ok := s.authorizeSend(w, r, service)
	if !ok {
		return
	}

	result := s.notify.Send(ctx, service, req.Recipient, req.Message, req.Metadata)
	writeJSON(w, sendStatus(result), result)
}

func (s *Server) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	service, ok := s.serviceParam(w, r)
	if !ok {
		return
	}
	var req mediaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ctx, ok := s.authorizeSend(w, r, service)
	if !ok {
		return
	}

	result := s.notify.SendMedia(ctx, service, req.Recipient, req.Path, req.Caption, req.Metadata)
	writeJSON(w, sendStatus(result), result)
}

// authorizeSend checks the API key's service permission and stamps the
// requester on the context.
func (s *Server) authorizeSend(w http.ResponseWriter, r *http.Request, service models.Service) (ctx context.Context, ok bool) {
	ctx = r.Context()
	key, authed := auth.KeyFromContext(ctx)
	if !authed {
		return ctx, true
	}
	if err := s.auth.Authorize(key, service); err != nil {
		writeError(w, http.StatusForbidden, "api key not permitted for "+string(service))
		return ctx, false
	}
	return channels.WithRequester(ctx, key.Name), true
}

// sendStatus maps a send outcome to an HTTP status. The request was
// accepted and recorded either way, so failures are not 5xx.
func sendStatus(result models.SendResult) int {
	if result.Success {
		return http.StatusCreated
	}
	if result.MessageID == "" {
		// Rejected before a ledger row was created.
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.notify.Message(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.notify.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.notify.Statuses(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	service, ok := s.serviceParam(w, r)
	if !ok {
		return
	}
	includeSensitive := r.URL.Query().Get("include_sensitive") == "true"
	status, err := s.notify.Status(r.Context(), service, includeSensitive)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no status for "+string(service))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	report := s.notify.Health(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.sessionOp(w, r, s.notify.Connect)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.sessionOp(w, r, s.notify.Disconnect)
}

func (s *Server) handleForceReset(w http.ResponseWriter, r *http.Request) {
	s.sessionOp(w, r, s.notify.ForceReset)
}

func (s *Server) handleStopReconnection(w http.ResponseWriter, r *http.Request) {
	s.sessionOp(w, r, s.notify.StopReconnectionLoop)
}

func (s *Server) handleCleanRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.notify.CleanRestart(r.Context(), models.ServiceWhatsApp); err != nil {
		writeChannelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
}

func (s *Server) handleRecoverStreamError(w http.ResponseWriter, r *http.Request) {
	if err := s.notify.RecoverFromStreamError(r.Context(), models.ServiceWhatsApp); err != nil {
		writeChannelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recovering"})
}

// handleWhatsAppQR returns the pending pairing code. format=png renders
// a scannable image; the default is JSON. wait bounds how long to block
// for a code to appear.
func (s *Server) handleWhatsAppQR(w http.ResponseWriter, r *http.Request) {
	wait := 10 * time.Second
	if raw := r.URL.Query().Get("wait"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 || parsed > time.Minute {
			writeError(w, http.StatusBadRequest, "invalid wait duration")
			return
		}
		wait = parsed
	}

	code, err := s.notify.WhatsAppQR(r.Context(), wait)
	if err != nil {
		writeChannelError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "png" {
		png, err := qrcode.Encode(code, qrcode.Medium, 256)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to render QR code")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(png)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"qr_code": code})
}

type codeRequest struct {
	Code string `json:"code"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleTelegramCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.notify.ProvideTelegramCode(r.Context(), req.Code); err != nil {
		writeChannelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleTelegramPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.notify.ProvideTelegramPassword(r.Context(), req.Password); err != nil {
		writeChannelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) sessionOp(w http.ResponseWriter, r *http.Request, op func(context.Context, models.Service) error) {
	service, ok := s.serviceParam(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), service); err != nil {
		writeChannelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) serviceParam(w http.ResponseWriter, r *http.Request) (models.Service, bool) {
	service := models.Service(r.PathValue("service"))
	if !service.Valid() {
		writeError(w, http.StatusBadRequest, "unknown service "+string(service))
		return "", false
	}
	return service, true
}

// writeChannelError maps classified session errors to HTTP statuses.
func writeChannelError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch channels.GetErrorCode(err) {
	case channels.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case channels.ErrCodeConfig:
		status = http.StatusConflict
	case channels.ErrCodeNotFound:
		status = http.StatusNotFound
	case channels.ErrCodeAuthentication, channels.ErrCodePermission:
		status = http.StatusBadGateway
	case channels.ErrCodeConnection, channels.ErrCodeTimeout:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
