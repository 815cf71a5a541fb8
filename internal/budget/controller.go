package budget

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/coreason-ai/ai-gateway/internal/identity"
	"github.com/coreason-ai/ai-gateway/internal/ledger"
)

// InsufficientError rejects a request at admission. The boundary maps it to
// a 402 with a generic per-project message.
type InsufficientError struct {
	Project string
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("budget exceeded for project %s", e.Project)
}

// Controller performs the pre-flight budget check. The check is advisory:
// it reads the remaining counter without reserving anything, so concurrent
// requests can both pass and later drive the ledger negative. That window
// is accepted in exchange for low-latency admission.
type Controller struct {
	store  ledger.Store
	logger *slog.Logger
}

func NewController(store ledger.Store, logger *slog.Logger) *Controller {
	return &Controller{store: store, logger: logger}
}

// Check admits the request iff the stored remaining budget covers the
// estimated cost. An absent or non-numeric counter is treated as zero
// budget (fail secure). Equality passes.
func (c *Controller) Check(ctx context.Context, id identity.Identity, estimatedCost int) error {
	raw, found, err := c.store.Remaining(ctx, id.Sub)
	if err != nil {
		// A store read failure must not admit unbudgeted traffic.
		c.logger.Error("budget read failed", slog.String("identity", id.Sub), slog.String("error", err.Error()))
		return &InsufficientError{Project: id.Project}
	}
	if !found {
		return &InsufficientError{Project: id.Project}
	}

	remaining, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.logger.Warn("corrupted budget counter", slog.String("identity", id.Sub))
		return &InsufficientError{Project: id.Project}
	}

	if remaining < int64(estimatedCost) {
		return &InsufficientError{Project: id.Project}
	}
	return nil
}
