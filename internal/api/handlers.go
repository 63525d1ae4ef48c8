// File: internal/api/handlers.go
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/metos/api/schemas"
	"github.com/xkilldash9x/metos/internal/wallet"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultLogLimit = 100
	maxLogLimit     = 10000
	maxBodyBytes    = 1 << 20
)

// Handlers serves the operation endpoints. Each handler is a direct
// call-through to the corresponding core operation.
type Handlers struct {
	log *zap.Logger
	svc Services
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(logger *zap.Logger, svc Services) *Handlers {
	return &Handlers{log: logger.Named("api_handlers"), svc: svc}
}

// RegisterRoutes mounts the operation routes under /api/v1.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Post("/scripts/run", h.HandleRunScript)
	r.Post("/analyze", h.HandleAnalyze)
	r.Post("/patch", h.HandlePatch)
	r.Post("/publish", h.HandlePublish)
	r.Post("/replicate", h.HandleReplicate)
	r.Post("/wallets", h.HandleWallets)
	r.Post("/restart", h.HandleRestart)
	r.Get("/lineage", h.HandleLineage)
	r.Get("/logs", h.HandleLogs)
	r.Get("/status", h.HandleStatus)
}

// HandleHealthCheck is a simple handler to confirm the server is responsive.
func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) HandleRunScript(w http.ResponseWriter, r *http.Request) {
	var req RunScriptRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		h.respondWithKind(w, schemas.KindInvalidArgument, "path is required", nil)
		return
	}
	res, err := h.svc.Scripts.Run(r.Context(), req.Path)
	if err != nil {
		h.respondWithErr(w, err, res)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, res)
}

func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	suggestion, err := h.svc.Analyzer.Analyze(r.Context())
	if err != nil {
		h.respondWithErr(w, err, nil)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, map[string]string{"improvements": suggestion})
}

func (h *Handlers) HandlePatch(w http.ResponseWriter, r *http.Request) {
	var req PatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	applied, err := h.svc.Patcher.Apply(r.Context(), req.Path, req.Pattern, req.Replacement)
	if err != nil {
		h.respondWithErr(w, err, nil)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, applied)
}

// HandlePublish runs the publish to completion even if the client goes away.
func (h *Handlers) HandlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.respondWithKind(w, schemas.KindInvalidArgument, "message is required", nil)
		return
	}
	rec := h.svc.Publisher.Publish(context.WithoutCancel(r.Context()), req.Message)
	if err := rec.Err(); err != nil {
		h.respondWithErr(w, err, rec)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, rec)
}

// HandleReplicate runs one replication attempt to completion.
func (h *Handlers) HandleReplicate(w http.ResponseWriter, r *http.Request) {
	desc, err := h.svc.Replicator.Replicate(context.WithoutCancel(r.Context()))
	if err != nil {
		h.respondWithErr(w, err, nil)
		return
	}
	h.respondWithSuccess(w, http.StatusCreated, desc)
}

// HandleWallets provisions one address per requested chain. The reply is a
// success if any chain succeeded; per-chain errors are reported inline.
func (h *Handlers) HandleWallets(w http.ResponseWriter, r *http.Request) {
	var req WalletsRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	results := h.svc.Wallets.Provision(r.Context(), req.Chains)

	out := make(map[schemas.Chain]WalletResult, len(results))
	var firstErr error
	succeeded := 0
	for chain, res := range results {
		out[chain] = toWalletResult(res)
		if res.Err != nil {
			if firstErr == nil {
				firstErr = res.Err
			}
			continue
		}
		succeeded++
	}
	if succeeded == 0 && firstErr != nil {
		h.respondWithErr(w, firstErr, out)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, out)
}

func toWalletResult(res wallet.Result) WalletResult {
	if res.Err != nil {
		return WalletResult{Error: res.Err.Error(), Kind: schemas.KindOf(res.Err)}
	}
	return WalletResult{Address: res.Address}
}

func (h *Handlers) HandleRestart(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Restarter.Trigger(r.Context(), nil)
	if err != nil {
		h.respondWithErr(w, err, nil)
		return
	}
	h.respondWithStatus(w, http.StatusAccepted, "accepted", map[string]string{"message": "restart scheduled"})
}

func (h *Handlers) HandleLineage(w http.ResponseWriter, r *http.Request) {
	replicas, err := h.svc.Lineage.List(r.Context())
	if err != nil {
		h.respondWithErr(w, err, nil)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, map[string]interface{}{
		"count":    len(replicas),
		"replicas": replicas,
	})
}

func (h *Handlers) HandleLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.respondWithKind(w, schemas.KindInvalidArgument, fmt.Sprintf("invalid limit %q", raw), nil)
			return
		}
		limit = min(n, maxLogLimit)
	}
	entries, err := h.svc.Logs.Recent(limit)
	if err != nil {
		h.respondWithErr(w, err, nil)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"entries": entries,
	})
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.svc.Status == nil {
		h.respondWithKind(w, schemas.KindDisabled, "orchestrator is not running", nil)
		return
	}
	reply := StatusReply{State: h.svc.Status.State()}
	if last, ok := h.svc.Status.LastReport(); ok {
		reply.LastReport = &last
	}
	h.respondWithSuccess(w, http.StatusOK, reply)
}

// -- Response helpers --

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondWithKind(w, schemas.KindInvalidArgument, fmt.Sprintf("Invalid request body: %v", err), nil)
		return false
	}
	return true
}

// StatusForKind maps an error kind to the HTTP status returned to callers.
func StatusForKind(kind schemas.ErrorKind) int {
	switch kind {
	case schemas.KindNotFound:
		return http.StatusNotFound
	case schemas.KindUnsupportedType, schemas.KindInvalidArgument:
		return http.StatusBadRequest
	case schemas.KindEmptyLogs:
		return http.StatusUnprocessableEntity
	case schemas.KindUpstreamUnavailable:
		return http.StatusBadGateway
	case schemas.KindDisabled:
		return http.StatusNotImplemented
	case schemas.KindBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) respondWithErr(w http.ResponseWriter, err error, data interface{}) {
	kind := schemas.KindOf(err)
	status := StatusForKind(kind)
	if status >= http.StatusInternalServerError {
		h.log.Error("Operation failed.", zap.String("kind", string(kind)), zap.Error(err))
	}
	var typed *schemas.Error
	if !errors.As(err, &typed) {
		// Untyped errors are internal; do not leak their text.
		h.respond(w, status, Response{Status: "error", Error: "internal error", Kind: kind, Data: data})
		return
	}
	h.respond(w, status, Response{Status: "error", Error: err.Error(), Kind: kind, Data: data})
}

func (h *Handlers) respondWithKind(w http.ResponseWriter, kind schemas.ErrorKind, message string, data interface{}) {
	h.respond(w, StatusForKind(kind), Response{Status: "error", Error: message, Kind: kind, Data: data})
}

// respondWithSuccess sends a standardized JSON success response.
func (h *Handlers) respondWithSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	h.respondWithStatus(w, statusCode, "success", data)
}

// respondWithStatus sends a standardized JSON response with a specific status string.
func (h *Handlers) respondWithStatus(w http.ResponseWriter, statusCode int, status string, data interface{}) {
	h.respond(w, statusCode, Response{Status: status, Data: data})
}

func (h *Handlers) respond(w http.ResponseWriter, statusCode int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
