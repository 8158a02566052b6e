// Package health aggregates named dependency checks behind /health.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Status is the result of one check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker reports the health of one dependency.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry. Each check gets a 2s budget.
func NewRegistry() *Registry {
	return &Registry{timeout: 2 * time.Second}
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker and reports whether all of them passed.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))
	for i, nc := range checkers {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		st := nc.check(cctx)
		cancel()
		if st.Name == "" {
			st.Name = nc.name
		}
		statuses[i] = st
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Handler serves the aggregate status: 200 when healthy, 503 otherwise.
func (r *Registry) Handler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":  status,
			"version": version,
			"checks":  statuses,
		})
	}
}

// Database checks that db answers a ping.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Detail: err.Error()}
		}
		stats := db.Stats()
		return Status{Name: "database", Healthy: true,
			Detail: fmt.Sprintf("open=%d in_use=%d", stats.OpenConnections, stats.InUse)}
	}
}

// Pinger is anything with a context-aware liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping wraps a Pinger as a named check.
func Ping(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Breaker reports a circuit as healthy unless it is open. Half-open counts as
// healthy since it is already probing for recovery.
func Breaker(name string, state func() string) Checker {
	return func(ctx context.Context) Status {
		s := state()
		return Status{Name: name, Healthy: s != "open", Detail: s}
	}
}
