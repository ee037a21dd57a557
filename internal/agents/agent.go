package agents

import (
	"context"
	"log/slog"

	"github.com/fitforge/agentcache/internal/semantic"
	"github.com/fitforge/agentcache/internal/templates"
)

// Agent produces a response for a user query. Implementations must be safe for
// concurrent use; the liveness cache hands the same instance to every caller.
type Agent interface {
	ID() string
	Respond(ctx context.Context, query string, reqCtx semantic.RequestContext) (semantic.Response, error)
}

// HealthChecker is optionally implemented by agents with a real liveness
// probe. Agents without one are considered live while they still report
// their own id.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies carries the collaborators a constructor may need. Passed
// explicitly so agents never reach for globals.
type Dependencies struct {
	Renderer *templates.Renderer
	Logger   *slog.Logger
}
