package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/HanTheDev/plugin-pay-gateway/internal/auth"
	"github.com/HanTheDev/plugin-pay-gateway/internal/models"
	"github.com/HanTheDev/plugin-pay-gateway/internal/oracle"
)

const tokenTTL = 24 * time.Hour

type Analytics interface {
	PluginAnalytics(ctx context.Context, pluginID uint64, from, to time.Time) (*models.PluginAnalytics, error)
}

type Config struct {
	JWTSecret      string
	OperatorAPIKey string
}

type AdminHandler struct {
	outbox    oracle.Outbox
	analytics Analytics
	kick      func()
	cfg       Config
	now       func() time.Time
}

// NewAdminHandler returns the operator API. kick, if set, is called after a
// retry so the reconciler picks the task up immediately.
func NewAdminHandler(outbox oracle.Outbox, analytics Analytics, kick func(), cfg Config) *AdminHandler {
	if kick == nil {
		kick = func() {}
	}
	return &AdminHandler{outbox: outbox, analytics: analytics, kick: kick, cfg: cfg, now: time.Now}
}

// Enabled reports whether the operator API is configured. Without both an
// operator key and a signing secret no admin route is served.
func (h *AdminHandler) Enabled() bool {
	return h.cfg.OperatorAPIKey != "" && h.cfg.JWTSecret != ""
}

func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	if !h.Enabled() {
		log.Printf("Admin API disabled: OPERATOR_API_KEY or JWT_SECRET not set")
		return
	}

	router.HandleFunc("/admin/token", h.Token).Methods("POST")

	protected := router.PathPrefix("/admin").Subrouter()
	protected.Use(auth.NewMiddleware(h.cfg.JWTSecret).Authenticate)

	// Consumption outbox
	protected.HandleFunc("/consumptions", h.ListConsumptions).Methods("GET")
	protected.HandleFunc("/consumptions/{hash}", h.GetConsumption).Methods("GET")
	protected.HandleFunc("/consumptions/{hash}/retry", h.RetryConsumption).Methods("POST")

	// Analytics
	protected.HandleFunc("/plugins/{id:[0-9]+}/analytics", h.GetAnalytics).Methods("GET")
}

func (h *AdminHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(h.cfg.OperatorAPIKey)) != 1 {
		log.Printf("Operator token request rejected")
		http.Error(w, "Invalid API key", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateOperatorToken("operator", h.cfg.JWTSecret, tokenTTL)
	if err != nil {
		log.Printf("Token generation failed: %v", err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *AdminHandler) ListConsumptions(w http.ResponseWriter, r *http.Request) {
	status := models.ConsumptionStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.ConsumptionPending, models.ConsumptionSubmitted, models.ConsumptionFailed:
	default:
		http.Error(w, "Invalid status", http.StatusBadRequest)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	tasks, err := h.outbox.List(r.Context(), status, limit)
	if err != nil {
		log.Printf("Failed to list consumptions: %v", err)
		http.Error(w, "Failed to list consumptions", http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []*models.ConsumptionTask{}
	}

	writeJSON(w, http.StatusOK, tasks)
}

func (h *AdminHandler) GetConsumption(w http.ResponseWriter, r *http.Request) {
	task, err := h.outbox.Get(r.Context(), mux.Vars(r)["hash"])
	if errors.Is(err, oracle.ErrTaskNotFound) {
		http.Error(w, "Consumption not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("Failed to get consumption: %v", err)
		http.Error(w, "Failed to get consumption", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

func (h *AdminHandler) RetryConsumption(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	err := h.outbox.Retry(r.Context(), hash, h.now())
	switch {
	case errors.Is(err, oracle.ErrTaskNotFound):
		http.Error(w, "Consumption not found", http.StatusNotFound)
		return
	case errors.Is(err, oracle.ErrAlreadySubmitted):
		http.Error(w, "Consumption already submitted", http.StatusConflict)
		return
	case err != nil:
		log.Printf("Failed to retry consumption %s: %v", hash, err)
		http.Error(w, "Failed to retry consumption", http.StatusInternalServerError)
		return
	}

	if claims, ok := auth.GetOperatorFromContext(r.Context()); ok {
		log.Printf("Consumption %s reset for retry by %s", hash, claims.Operator)
	}
	h.kick()

	writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

func (h *AdminHandler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	pluginID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid plugin ID", http.StatusBadRequest)
		return
	}

	// Query params for time range, e.g. "2024-01-01"; to is inclusive
	to := h.now().UTC()
	from := to.AddDate(0, 0, -30)
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = time.Parse(time.DateOnly, raw); err != nil {
			http.Error(w, "Invalid from date", http.StatusBadRequest)
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		day, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			http.Error(w, "Invalid to date", http.StatusBadRequest)
			return
		}
		to = day.AddDate(0, 0, 1)
	}

	stats, err := h.analytics.PluginAnalytics(r.Context(), pluginID, from, to)
	if err != nil {
		log.Printf("Failed to get analytics: %v", err)
		http.Error(w, "Failed to get analytics", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
