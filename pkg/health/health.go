// Package health computes the operator health report served on /health and
// /health/ci. The CI variant omits outbound-dependency checks so a test lane
// without API credentials does not mark the build red.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/syncbridge/pkg/store"
)

// Statuses, ordered by severity.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusError    = "error"
)

// orphanedDegradedThreshold marks the report degraded once this many
// mappings lost their page.
const orphanedDegradedThreshold = 1

// deadletterDegradedThreshold marks the report degraded once the unarchived
// queue reaches this depth.
const deadletterDegradedThreshold = 10

// Check is the result of one probe.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Report is the health JSON shape.
type Report struct {
	Status      string           `json:"status"`
	Timestamp   time.Time        `json:"timestamp"`
	Environment string           `json:"environment"`
	Checks      map[string]Check `json:"checks"`
}

// Outbound names credentials the full report verifies are configured.
type Outbound struct {
	SrcTokenSet bool
	TgtTokenSet bool
}

// Checker runs the probes.
type Checker struct {
	store       *store.Store
	outbound    Outbound
	environment string
	now         func() time.Time
}

// New wires a Checker.
func New(st *store.Store, outbound Outbound, environment string) *Checker {
	return &Checker{store: st, outbound: outbound, environment: environment, now: time.Now}
}

// Report runs the probes and aggregates the worst status. includeOutbound
// false is the CI variant.
func (c *Checker) Report(ctx context.Context, includeOutbound bool) Report {
	checks := map[string]Check{
		"database":    c.checkDatabase(ctx),
		"deadletters": c.checkDeadLetters(ctx),
		"mappings":    c.checkMappings(ctx),
	}
	if includeOutbound {
		checks["src_api"] = checkCredential(c.outbound.SrcTokenSet, "source API token")
		checks["tgt_api"] = checkCredential(c.outbound.TgtTokenSet, "target API token")
	}

	status := StatusHealthy
	for _, check := range checks {
		switch check.Status {
		case StatusError:
			status = StatusError
		case StatusDegraded:
			if status != StatusError {
				status = StatusDegraded
			}
		}
	}

	return Report{
		Status:      status,
		Timestamp:   c.now().UTC(),
		Environment: c.environment,
		Checks:      checks,
	}
}

func (c *Checker) checkDatabase(ctx context.Context) Check {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.store.DB().PingContext(ctx); err != nil {
		return Check{Status: StatusError, Message: fmt.Sprintf("ping failed: %v", err)}
	}
	return Check{Status: StatusHealthy}
}

func (c *Checker) checkDeadLetters(ctx context.Context) Check {
	n, err := c.store.CountDeadLetters(ctx)
	if err != nil {
		return Check{Status: StatusError, Message: fmt.Sprintf("count failed: %v", err)}
	}
	if n >= deadletterDegradedThreshold {
		return Check{Status: StatusDegraded, Message: fmt.Sprintf("%d unresolved dead letters", n)}
	}
	return Check{Status: StatusHealthy}
}

func (c *Checker) checkMappings(ctx context.Context) Check {
	n, err := c.store.CountOrphanedMappings(ctx)
	if err != nil {
		return Check{Status: StatusError, Message: fmt.Sprintf("count failed: %v", err)}
	}
	if n >= orphanedDegradedThreshold {
		return Check{Status: StatusDegraded, Message: fmt.Sprintf("%d orphaned mappings", n)}
	}
	return Check{Status: StatusHealthy}
}

func checkCredential(set bool, name string) Check {
	if !set {
		return Check{Status: StatusDegraded, Message: name + " not configured"}
	}
	return Check{Status: StatusHealthy}
}
