package lifecycle

import (
	"strings"

	"broker_engine/internal/core"
)

// statusAliases maps broker-specific status spellings onto canonical
// statuses so adapters may report vendor vocabulary without the engine
// special-casing each vendor.
var statusAliases = map[string]core.OrderStatus{
	"unsubmitted": core.OrderStatusUnsubmitted,
	"unprocessed": core.OrderStatusUnsubmitted,
	"pending":     core.OrderStatusUnsubmitted,
	"pending_new": core.OrderStatusUnsubmitted,

	"new":       core.OrderStatusNew,
	"open":      core.OrderStatusNew,
	"working":   core.OrderStatusNew,
	"submitted": core.OrderStatusNew,
	"accepted":  core.OrderStatusNew,
	"live":      core.OrderStatusNew,
	"active":    core.OrderStatusNew,
	"held":      core.OrderStatusNew,

	"partial_fill":     core.OrderStatusPartiallyFilled,
	"partial":          core.OrderStatusPartiallyFilled,
	"partially_filled": core.OrderStatusPartiallyFilled,
	"partial_filled":   core.OrderStatusPartiallyFilled,

	"fill":     core.OrderStatusFilled,
	"filled":   core.OrderStatusFilled,
	"executed": core.OrderStatusFilled,
	"done":     core.OrderStatusFilled,

	"cancel":    core.OrderStatusCanceled,
	"canceled":  core.OrderStatusCanceled,
	"cancelled": core.OrderStatusCanceled,
	"expired":   core.OrderStatusCanceled,

	"error":    core.OrderStatusError,
	"rejected": core.OrderStatusError,
	"failed":   core.OrderStatusError,

	"cash_settled": core.OrderStatusCashSettled,
	"cash":         core.OrderStatusCashSettled,

	"placeholder": core.OrderStatusPlaceholder,
}

// CanonicalStatus resolves a vendor status spelling onto the canonical
// status. The lookup is case-insensitive and tolerates surrounding space.
func CanonicalStatus(vendor string) (core.OrderStatus, bool) {
	s, ok := statusAliases[strings.ToLower(strings.TrimSpace(vendor))]
	return s, ok
}

// EventKindFor maps a canonical status onto the event kind that produces it.
func EventKindFor(status core.OrderStatus) (core.EventKind, bool) {
	switch status {
	case core.OrderStatusNew:
		return core.EventNew, true
	case core.OrderStatusPartiallyFilled:
		return core.EventPartialFill, true
	case core.OrderStatusFilled:
		return core.EventFill, true
	case core.OrderStatusCanceled:
		return core.EventCanceled, true
	case core.OrderStatusError:
		return core.EventError, true
	case core.OrderStatusCashSettled:
		return core.EventCashSettled, true
	default:
		return 0, false
	}
}
