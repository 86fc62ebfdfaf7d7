package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inercia/edgeguard/internal/logging"
	"github.com/inercia/edgeguard/internal/metrics"
)

// PolicyConfig describes one named rate limit rule.
type PolicyConfig struct {
	Name      string        `yaml:"name"`
	Kind      Kind          `yaml:"kind"`
	Limit     int           `yaml:"limit"`
	Window    time.Duration `yaml:"window"`
	Algorithm Algorithm     `yaml:"algorithm"`
	// When is an optional CEL expression over path, method, ip and user.
	When string `yaml:"when"`
}

// Config holds the policy list and optional shared backend.
type Config struct {
	Policies []PolicyConfig `yaml:"policies"`

	// RedisAddr switches every policy to a Redis fixed-window counter.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// SweepInterval is how often idle in-memory counters are dropped.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultPolicies returns 10 requests/minute per user and 5 requests/minute per IP.
func DefaultPolicies() []PolicyConfig {
	return []PolicyConfig{
		{Name: "user", Kind: KindUser, Limit: 10, Window: time.Minute, Algorithm: Sliding},
		{Name: "ip", Kind: KindIP, Limit: 5, Window: time.Minute, Algorithm: Sliding},
	}
}

// DefaultConfig returns the default policies with in-memory counting.
func DefaultConfig() Config {
	return Config{
		Policies:      DefaultPolicies(),
		SweepInterval: 5 * time.Minute,
	}
}

// Validate checks every policy without building limiters.
func (c Config) Validate() error {
	seen := make(map[string]bool)
	for i, p := range c.Policies {
		if p.Name == "" {
			return fmt.Errorf("policy %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("policy %q: duplicate name", p.Name)
		}
		seen[p.Name] = true
		if p.Kind != KindUser && p.Kind != KindIP {
			return fmt.Errorf("policy %q: kind must be user or ip, got %q", p.Name, p.Kind)
		}
		if p.Limit <= 0 || p.Window <= 0 {
			return fmt.Errorf("policy %q: limit and window must be positive", p.Name)
		}
		switch p.Algorithm {
		case "", Sliding, Fixed, Token:
		default:
			return fmt.Errorf("policy %q: unknown algorithm %q", p.Name, p.Algorithm)
		}
		if p.When != "" {
			if _, err := CompileCondition(p.When); err != nil {
				return fmt.Errorf("policy %q: %w", p.Name, err)
			}
		}
	}
	return nil
}

// Subject is what a policy set is evaluated against.
type Subject struct {
	IP     string
	User   string
	Path   string
	Method string
}

func (s Subject) value(k Kind) string {
	if k == KindUser {
		return s.User
	}
	return s.IP
}

// Policy is a compiled PolicyConfig bound to its limiter.
type Policy struct {
	Name    string
	Kind    Kind
	limiter Limiter
	when    *Condition
}

// Decision is the outcome of evaluating a PolicySet.
type Decision struct {
	Allowed bool
	// DeniedBy lists the policies that reported over-limit, in order.
	DeniedBy []string
}

// PolicySet evaluates an ordered list of policies with AND semantics.
type PolicySet struct {
	policies []*Policy
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a PolicySet.
type Option func(*setOptions)

type setOptions struct {
	redis   *redis.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
	clock   func() time.Time
}

// WithRedis counts every policy in Redis instead of in memory.
func WithRedis(c *redis.Client) Option {
	return func(o *setOptions) { o.redis = c }
}

// WithMetrics records denials per policy.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *setOptions) { o.metrics = m }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *setOptions) { o.logger = l }
}

// WithClock overrides time.Now in every limiter built by the set.
func WithClock(fn func() time.Time) Option {
	return func(o *setOptions) { o.clock = fn }
}

type clockSetter interface {
	SetNowFunc(func() time.Time)
}

// NewPolicySet compiles cfgs into a PolicySet.
func NewPolicySet(cfgs []PolicyConfig, opts ...Option) (*PolicySet, error) {
	o := setOptions{logger: logging.Limiter()}
	for _, opt := range opts {
		opt(&o)
	}

	if err := (Config{Policies: cfgs}).Validate(); err != nil {
		return nil, err
	}

	ps := &PolicySet{logger: o.logger, metrics: o.metrics}
	for _, c := range cfgs {
		var lim Limiter
		if o.redis != nil {
			rw := NewRedisWindow(o.redis, "edgeguard:rl:"+c.Name, c.Limit, c.Window)
			rw.logger = o.logger
			lim = rw
		} else {
			var err error
			if lim, err = NewLimiter(c.Algorithm, c.Limit, c.Window); err != nil {
				return nil, fmt.Errorf("policy %q: %w", c.Name, err)
			}
		}
		if o.clock != nil {
			if cs, ok := lim.(clockSetter); ok {
				cs.SetNowFunc(o.clock)
			}
		}

		p := &Policy{Name: c.Name, Kind: c.Kind, limiter: lim}
		if c.When != "" {
			cond, err := CompileCondition(c.When)
			if err != nil {
				return nil, fmt.Errorf("policy %q: %w", c.Name, err)
			}
			p.when = cond
		}
		ps.policies = append(ps.policies, p)
	}
	return ps, nil
}

// Policies returns the compiled policies in evaluation order.
func (ps *PolicySet) Policies() []*Policy {
	return ps.policies
}

// applies reports whether p should count s. User policies need a user
// identity and IP policies need an IP.
func (ps *PolicySet) applies(p *Policy, s Subject) bool {
	if s.value(p.Kind) == "" {
		return false
	}
	if p.when == nil {
		return true
	}
	ok, err := p.when.Matches(s)
	if err != nil {
		ps.logger.Warn("ratelimit_condition_failed", "policy", p.Name, "error", err)
		return false
	}
	return ok
}

// Evaluate counts s against every applicable policy. The request is allowed
// only if all of them allow it. Every applicable policy is counted, even
// after one has denied.
func (ps *PolicySet) Evaluate(ctx context.Context, s Subject) Decision {
	d := Decision{Allowed: true}
	for _, p := range ps.policies {
		if !ps.applies(p, s) {
			continue
		}
		if !p.limiter.Allow(ctx, p.Kind, s.value(p.Kind)) {
			d.Allowed = false
			d.DeniedBy = append(d.DeniedBy, p.Name)
			ps.metrics.LimiterDenied(p.Name)
		}
	}
	if !d.Allowed {
		ps.logger.Info("ratelimit_exceeded", "ip", s.IP, "user", s.User, "path", s.Path, "policies", d.DeniedBy)
	}
	return d
}

// Sweep drops idle state from every in-memory limiter.
func (ps *PolicySet) Sweep() int {
	removed := 0
	for _, p := range ps.policies {
		if sw, ok := p.limiter.(Sweeper); ok {
			removed += sw.Sweep()
		}
	}
	return removed
}
