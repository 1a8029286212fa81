package chainfollow

import "errors"

// ErrDeepReorg is returned when walking back to find an attached ancestor
// exceeds the cache's maxDepth. This is fatal: the processor stops and the
// operator must intervene (spec.md §4.2, §7).
var ErrDeepReorg = errors.New("chainfollow: reorg exceeds cache depth, operator intervention required")
