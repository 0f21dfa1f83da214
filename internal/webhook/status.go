package webhook

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/LeventeLantos/notification-pipeline/internal/model"
)

// acceptedStatuses are the provider statuses a webhook may carry.
var acceptedStatuses = map[string]struct{}{
	"sent":      {},
	"delivered": {},
	"read":      {},
	"failed":    {},
	"rejected":  {},
	"error":     {},
}

var statusAliases = map[string]model.DeliveryStatus{
	"sent":        model.StatusSent,
	"submitted":   model.StatusSent,
	"queued":      model.StatusSent,
	"delivered":   model.StatusDelivered,
	"read":        model.StatusRead,
	"failed":      model.StatusFailed,
	"rejected":    model.StatusFailed,
	"error":       model.StatusFailed,
	"undelivered": model.StatusFailed,
}

// A Caser keeps state, so each call gets its own.
func normalize(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Accepted reports whether raw is on the webhook status allow-list,
// ignoring case.
func Accepted(raw string) bool {
	_, ok := acceptedStatuses[normalize(raw)]
	return ok
}

// MapStatus folds a provider status into a canonical one. Unknown values
// map to sent and known is false so the caller can warn.
func MapStatus(raw string) (status model.DeliveryStatus, known bool) {
	if s, ok := statusAliases[normalize(raw)]; ok {
		return s, true
	}
	return model.StatusSent, false
}
