package core

import (
	"context"
)

// IgnoredEvent is one verified cross-rail assertion the machine refused
// to apply: a non-originating rail tried to downgrade an entitlement.
type IgnoredEvent struct {
	Event       Event
	HoldingRail Rail
	Record      Record
}

// AuditLogger records ignored cross-rail events to an external sink for
// offline investigation of rail disagreements. Implementations should be
// non-blocking and best-effort.
type AuditLogger interface {
	LogCrossRailIgnored(ctx context.Context, ig IgnoredEvent) error
}
