package ops

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/kman0001/tubesync-plex/internal/cache"
	"github.com/kman0001/tubesync-plex/internal/health"
	"github.com/kman0001/tubesync-plex/internal/log"
)

// Deps are the daemon components the ops endpoints read from. Optional
// funcs are nil when the matching component is not running.
type Deps struct {
	Version string
	Mode    string
	Health  *health.Manager
	Store   *cache.Store

	// QueueLen reports the retry queue depth; nil without a watch engine.
	QueueLen func() int

	// LastRepair reports the last completed repair sweep.
	LastRepair func() time.Time

	// TriggerRepair arms a bonus repair sweep; nil disables the endpoint.
	TriggerRepair func()
}

// requestsPerMinute is the global per-IP budget for the ops surface.
const requestsPerMinute = 60

func newRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	// Recoverer outermost, correlation id early, then observability, then
	// the global rate limit.
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(accessLog)
	r.Use(httpMetrics)
	r.Use(httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":  "rate_limit_exceeded",
				"detail": "Too many requests. Please try again later.",
			})
		}),
	))

	r.Get("/healthz", deps.Health.ServeHealth)
	r.Get("/readyz", deps.Health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", statusHandler(deps))
		r.Post("/repair", repairHandler(deps))
	})

	return r
}

type statusResponse struct {
	Version       string     `json:"version"`
	Mode          string     `json:"mode"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	CacheEntries  int        `json:"cache_entries"`
	CacheDirty    bool       `json:"cache_dirty"`
	RetryQueue    int        `json:"retry_queue_depth"`
	LastRepair    *time.Time `json:"last_repair,omitempty"`
}

func statusHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := statusResponse{
			Version:       deps.Version,
			Mode:          deps.Mode,
			UptimeSeconds: int64(deps.Health.Uptime().Seconds()),
			CacheEntries:  deps.Store.Len(),
			CacheDirty:    deps.Store.Dirty(),
		}
		if deps.QueueLen != nil {
			resp.RetryQueue = deps.QueueLen()
		}
		if deps.LastRepair != nil {
			if last := deps.LastRepair(); !last.IsZero() {
				resp.LastRepair = &last
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func repairHandler(deps Deps) http.HandlerFunc {
	// One manual sweep a minute; a sweep fans out into server searches.
	limiter := rate.NewLimiter(rate.Every(time.Minute), 1)

	return func(w http.ResponseWriter, r *http.Request) {
		if deps.TriggerRepair == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":  "repair_unavailable",
				"detail": "repair sweeps run only in watch mode",
			})
			return
		}
		if !limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":  "rate_limit_exceeded",
				"detail": "a repair sweep was already requested recently",
			})
			return
		}

		deps.TriggerRepair()
		logger := log.WithComponentFromContext(r.Context(), "ops")
		logger.Info().
			Str(log.FieldEvent, "ops.repair_triggered").
			Msg("manual repair sweep requested")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "repair sweep armed"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
