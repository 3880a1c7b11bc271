package httpx

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateLimiter counts requests per key in fixed windows aligned to the window
// length, so every engine sharing a backend agrees on where a window ends.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// rateClass groups routes that draw from one budget. A caller who exhausts
// the deploy budget can still read projects and attach to logs.
type rateClass string

const (
	rateClassToken   rateClass = "token"
	rateClassAPI     rateClass = "api"
	rateClassDeploy  rateClass = "deploy"
	rateClassSession rateClass = "session"
	rateClassEvents  rateClass = "events"
)

type rateBudget struct {
	limit  int
	window time.Duration
}

// deployActions are project subroutes that clone, build or start containers.
var deployActions = map[string]bool{"start": true, "restart": true, "redeploy": true}

func fixedClass(c rateClass) func(*http.Request) rateClass {
	return func(*http.Request) rateClass { return c }
}

// classifyProjectRequest puts POST /projects and the container-starting
// actions under the deploy budget; everything else under /projects is api.
func classifyProjectRequest(req *http.Request) rateClass {
	if req.Method != http.MethodPost {
		return rateClassAPI
	}
	path := strings.Trim(req.URL.Path, "/")
	if path == "projects" {
		return rateClassDeploy
	}
	parts := strings.Split(strings.TrimPrefix(path, "projects/"), "/")
	if len(parts) == 2 && deployActions[parts[1]] {
		return rateClassDeploy
	}
	return rateClassAPI
}

func rateKey(class rateClass, principal string) string {
	return string(class) + ":" + principal
}

func windowBounds(now time.Time, window time.Duration) (time.Time, time.Time) {
	start := now.Truncate(window)
	return start, start.Add(window)
}

type memoryRateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateState
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

type rateState struct {
	count     int
	windowEnd time.Time
}

// NewMemoryRateLimiter returns a limiter local to this process.
func NewMemoryRateLimiter() RateLimiter {
	rl := newMemoryRateLimiter(time.Now)
	go rl.sweepLoop()
	return rl
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{
		entries: make(map[string]rateState),
		now:     now,
		stopCh:  make(chan struct{}),
	}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state := rl.entries[key]
	if !now.Before(state.windowEnd) {
		_, end := windowBounds(now, window)
		state = rateState{windowEnd: end}
	}
	if state.count >= limit {
		return rateDecision{allowed: false, count: state.count, windowEnd: state.windowEnd}
	}
	state.count++
	rl.entries[key] = state
	return rateDecision{allowed: true, count: state.count, windowEnd: state.windowEnd}
}

func (rl *memoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(rl.now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *memoryRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, state := range rl.entries {
		if !now.Before(state.windowEnd) {
			delete(rl.entries, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
}

// withRateLimit charges the request to the budget of its class, keyed by
// class and principal.
func (r *Router) withRateLimit(classify func(*http.Request) rateClass, principalFn func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		class := classify(req)
		budget := r.budgets[class]
		if budget.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		principal := principalFn(req)
		if principal == "" {
			principal = rateLimitKeyIP(req)
		}
		decision := r.limiter.Allow(rateKey(class, principal), budget.limit, budget.window)
		r.applyRateHeaders(w, budget.limit, decision)
		if !decision.allowed {
			r.metrics.RateLimitHit(string(class), rateMetricKey(principal))
			if !decision.windowEnd.IsZero() {
				wait := math.Ceil(time.Until(decision.windowEnd).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(max(1, int(wait))))
			}
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func (r *Router) handlerAuthRate(classify func(*http.Request) rateClass, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.withRateLimit(classify, rateLimitKeySubject, next))
}

func rateLimitKeySubject(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.Subject != "" {
		return "sub:" + info.Subject
	}
	return ""
}

func rateLimitKeyIP(req *http.Request) string {
	host := clientIP(req)
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// rateMetricKey keeps the principal kind only, so metric cardinality does
// not grow with users.
func rateMetricKey(principal string) string {
	if principal == "" {
		return "unknown"
	}
	if idx := strings.IndexRune(principal, ':'); idx > 0 {
		return principal[:idx]
	}
	return principal
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
