package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"vitrine.store/internal/audit"
	"vitrine.store/internal/linking"
	"vitrine.store/internal/obs"
)

// ReadyProbe checks the backing stores the service cannot serve without.
type ReadyProbe struct {
	DB    *sql.DB
	Redis *redis.Client
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Deps is everything the HTTP layer needs wired in.
type Deps struct {
	Ready       ReadyProbe
	Version     string
	Gate        *Gate
	Coordinator *linking.Coordinator
	Audit       audit.Sink
	SessionTTL  time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
}

// API is the HTTP layer.
type API struct {
	mux         *http.ServeMux
	readyProbe  ReadyProbe
	version     string
	gate        *Gate
	coordinator *linking.Coordinator
	sink        audit.Sink
	sessionTTL  time.Duration

	rateLimitRPS   float64
	rateLimitBurst int
}

func New(d Deps) *API {
	a := &API{
		mux:            http.NewServeMux(),
		readyProbe:     d.Ready,
		version:        d.Version,
		gate:           d.Gate,
		coordinator:    d.Coordinator,
		sink:           d.Audit,
		sessionTTL:     d.SessionTTL,
		rateLimitRPS:   d.RateLimitRPS,
		rateLimitBurst: d.RateLimitBurst,
	}
	if a.sessionTTL <= 0 {
		a.sessionTTL = 30 * time.Minute
	}
	if a.rateLimitRPS <= 0 {
		a.rateLimitRPS = 50
	}
	if a.rateLimitBurst <= 0 {
		a.rateLimitBurst = 100
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// session tokens
	a.mux.HandleFunc("/v1/session/token", a.handleSessionToken)

	// permission checks
	a.mux.HandleFunc("/v1/authz/check", a.handleAuthzCheck)
	a.mux.HandleFunc("/v1/authz/check-bulk", a.handleAuthzCheckBulk)

	// account linking
	a.mux.HandleFunc("/v1/linking/initiate", a.handleLinkingInitiate)
	a.mux.HandleFunc("/v1/linking/challenges/", a.handleChallengeResource)
	a.mux.HandleFunc("/v1/linking/verifications/", a.handleVerificationResource)
	a.mux.HandleFunc("/v1/linking/", a.handleLinkingResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the served handler with the full middleware chain applied.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateLimitRPS, a.rateLimitBurst)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "vitrine-auth",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "vitrine-auth",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// record writes an audit entry; sink failures never fail the request.
func (a *API) record(ctx context.Context, eventType, subjectID string, success bool, payload map[string]any) {
	if a.sink == nil {
		return
	}
	if err := a.sink.Record(ctx, eventType, subjectID, success, payload); err != nil {
		obs.LogEvent(map[string]any{
			"level": "error",
			"msg":   "audit record failed",
			"event": eventType,
		})
	}
}
