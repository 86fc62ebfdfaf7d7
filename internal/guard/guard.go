// Package guard is the per-request pipeline: identity, blocklist, geolocation,
// request log, then the downstream handler. Rate limiting is a separate
// middleware mounted on the endpoints that need it.
package guard

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/inercia/edgeguard/internal/geo"
	"github.com/inercia/edgeguard/internal/identity"
	"github.com/inercia/edgeguard/internal/logging"
	"github.com/inercia/edgeguard/internal/metrics"
	"github.com/inercia/edgeguard/internal/ratelimit"
	"github.com/inercia/edgeguard/internal/store"
)

// Fixed response bodies.
const (
	BlockedMessage     = "Your IP has been blocked"
	LimitedMessage     = "Too many requests"
	OKMessage          = "Ok"
	UnavailableMessage = "Service unavailable"
)

// DefaultUserHeader carries the user identity set by an upstream authenticator.
const DefaultUserHeader = "X-Auth-User"

// Config holds pipeline settings.
type Config struct {
	// RequireLog replies 503 when the request record cannot be written.
	// By default the request proceeds and the failure is only logged.
	RequireLog bool `yaml:"require_log"`
	// UserHeader names the header read by the default UserFunc.
	UserHeader string `yaml:"user_header"`
	// StoreTimeout bounds the blocklist lookup and the log append.
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

// DefaultConfig returns fail-open logging and a 500ms storage timeout.
func DefaultConfig() Config {
	return Config{
		UserHeader:   DefaultUserHeader,
		StoreTimeout: 500 * time.Millisecond,
	}
}

// BlockChecker reports whether an IP is denied. On error the bool is still
// authoritative (it already reflects the fail mode).
type BlockChecker interface {
	IsBlocked(ctx context.Context, ip string) (bool, error)
}

// Locator resolves an IP to a location without failing.
type Locator interface {
	Lookup(ctx context.Context, ip string) geo.Location
}

// UserFunc extracts the authenticated user from a request, or "" if anonymous.
type UserFunc func(r *http.Request) string

// HeaderUser returns a UserFunc reading the named header.
func HeaderUser(header string) UserFunc {
	return func(r *http.Request) string {
		return r.Header.Get(header)
	}
}

type ctxKey struct{}

// requestState is shared between Middleware and the handlers it wraps.
type requestState struct {
	ip      string
	limited bool
}

func stateFrom(ctx context.Context) (*requestState, bool) {
	st, ok := ctx.Value(ctxKey{}).(*requestState)
	return st, ok
}

// ClientIP returns the IP resolved by Middleware for this request, if any.
func ClientIP(ctx context.Context) (string, bool) {
	st, ok := stateFrom(ctx)
	if !ok {
		return "", false
	}
	return st.ip, true
}

// Guard wires the collaborators of the request pipeline.
type Guard struct {
	resolver  *identity.Resolver
	blocklist BlockChecker
	geo       Locator
	logs      store.RequestLogStore

	requireLog bool
	timeout    time.Duration
	userFunc   UserFunc

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Guard.
type Option func(*Guard)

// WithUserFunc replaces the header-based user extraction.
func WithUserFunc(fn UserFunc) Option {
	return func(g *Guard) { g.userFunc = fn }
}

// WithMetrics records request outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// New creates a Guard.
func New(resolver *identity.Resolver, bl BlockChecker, loc Locator, logs store.RequestLogStore, cfg Config, opts ...Option) *Guard {
	header := cfg.UserHeader
	if header == "" {
		header = DefaultUserHeader
	}
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().StoreTimeout
	}
	g := &Guard{
		resolver:   resolver,
		blocklist:  bl,
		geo:        loc,
		logs:       logs,
		requireLog: cfg.RequireLog,
		timeout:    timeout,
		userFunc:   HeaderUser(header),
		logger:     logging.Guard(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Middleware runs the pipeline before next. Blocked IPs get 403 and produce
// no geolocation lookup and no request record. Everything else is looked up,
// recorded, and only then handed to next. Each request is counted under
// exactly one outcome once next returns.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := g.resolver.Resolve(r)
		log := logging.WithRequest(g.logger, ip, r.URL.Path)

		bctx, cancel := context.WithTimeout(r.Context(), g.timeout)
		blocked, err := g.blocklist.IsBlocked(bctx, ip)
		cancel()
		if err != nil {
			log.Error("blocklist_check_failed", "blocked", blocked, "error", err)
		}
		if blocked {
			g.metrics.Request(metrics.OutcomeBlocked)
			log.Info("request_blocked")
			writeText(w, http.StatusForbidden, BlockedMessage)
			return
		}

		loc := g.geo.Lookup(r.Context(), ip)

		actx, cancel := context.WithTimeout(r.Context(), g.timeout)
		_, err = g.logs.Append(actx, store.RequestRecord{
			IPAddress: ip,
			Path:      r.URL.Path,
			Country:   loc.Country,
			City:      loc.City,
		})
		cancel()
		logFailed := err != nil
		if logFailed {
			log.Error("request_log_failed", "error", err)
			if g.requireLog {
				g.metrics.Request(metrics.OutcomeStoreFailed)
				writeText(w, http.StatusServiceUnavailable, UnavailableMessage)
				return
			}
		}

		st := &requestState{ip: ip}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, st)))

		switch {
		case st.limited:
			g.metrics.Request(metrics.OutcomeLimited)
		case logFailed:
			g.metrics.Request(metrics.OutcomeStoreFailed)
		default:
			g.metrics.Request(metrics.OutcomeAllowed)
		}
	})
}

// LimitMiddleware evaluates ps for each request and replies 429 when any
// applicable policy is over its limit.
func (g *Guard) LimitMiddleware(ps *ratelimit.PolicySet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, ok := ClientIP(r.Context())
			if !ok {
				ip = g.resolver.Resolve(r)
			}
			d := ps.Evaluate(r.Context(), ratelimit.Subject{
				IP:     ip,
				User:   g.userFunc(r),
				Path:   r.URL.Path,
				Method: r.Method,
			})
			if !d.Allowed {
				// Under Middleware the outcome is counted there.
				if st, ok := stateFrom(r.Context()); ok {
					st.limited = true
				} else {
					g.metrics.Request(metrics.OutcomeLimited)
				}
				writeText(w, http.StatusTooManyRequests, LimitedMessage)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LoginHandler is the minimal guarded endpoint. It always replies 200 "Ok".
func LoginHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeText(w, http.StatusOK, OKMessage)
	})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
