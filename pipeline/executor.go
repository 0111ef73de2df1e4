package pipeline

import (
	"context"
	"time"

	"github.com/MPoppinga/partitioncache/cachehandler"
)

// Executor runs a fragment's SQL against the target database. Implementations
// wrap whatever driver the deployment uses to reach the source database (not
// necessarily the same engine as the cache backend).
type Executor interface {
	// ExecuteFragment runs sql with the given statement timeout and optional
	// row-count limit (0 means unbounded). hitLimit is true when rowLimit
	// was reached; timedOut is true when the statement exceeded timeout.
	// When either is true, ids is the zero value and err is nil: these are
	// expected outcomes, not failures.
	ExecuteFragment(ctx context.Context, sql string, timeout time.Duration, rowLimit int) (ids cachehandler.IdentifierSet, hitLimit bool, timedOut bool, err error)
}
