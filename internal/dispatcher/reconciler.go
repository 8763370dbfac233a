package dispatcher

import (
	"context"
	"errors"
	"strconv"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/domain"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/store"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/pkg/whatsapp"
)

var errEmptyTimestamp = errors.New("empty provider timestamp")

// statusCategory buckets a recipient status for aggregate counting: a
// broadcast's successCount and failureCount track how many recipients are
// currently in the success or failure bucket, not how many callbacks were
// ever received (spec.md §4.5 step 4).
type statusCategory int

const (
	categoryNeither statusCategory = iota
	categorySuccess
	categoryFailure
)

func categorize(s domain.RecipientStatus) statusCategory {
	switch s {
	case domain.RecipientStatusSent, domain.RecipientStatusDelivered, domain.RecipientStatusRead:
		return categorySuccess
	case domain.RecipientStatusFailed:
		return categoryFailure
	default:
		return categoryNeither
	}
}

var titleCaser = cases.Title(language.English)

// Reconcile applies a provider status callback to its matching broadcast
// recipient, if one exists. A callback for a message the orchestrator did
// not send as part of a broadcast (e.g. a flow's direct message node) is
// not an error: it is simply not reconciled against anything.
//
// Status transitions are applied literally — the latest callback always
// wins, including apparent regressions (e.g. Failed back to Delivered),
// since the provider is the source of truth and a retried send can
// legitimately recover a previously failed message (spec.md §4.5 step 3).
func Reconcile(ctx context.Context, st store.Store, tenantID string, cb whatsapp.StatusCallback) error {
	recipient, err := st.FindRecipientByMessageID(ctx, tenantID, cb.ID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}

	newStatus := mapProviderStatus(cb.Status)
	if newStatus == "" {
		return nil
	}

	oldCategory := categorize(recipient.Status)

	recipient.Status = newStatus
	if recipient.Status == domain.RecipientStatusFailed && len(cb.Errors) > 0 {
		recipient.Error = firstErrorMessage(cb.Errors[0])
	} else if recipient.Status != domain.RecipientStatusFailed {
		recipient.Error = ""
	}
	if cb.Conversation != nil {
		recipient.ConversationID = cb.Conversation.ID
	}
	if ts, parseErr := parseProviderTimestamp(cb.Timestamp); parseErr == nil {
		recipient.StatusUpdatedAt = ts
	} else {
		recipient.StatusUpdatedAt = time.Now()
	}

	if err := st.UpdateBroadcastRecipient(ctx, recipient); err != nil {
		return err
	}

	newCategory := categorize(recipient.Status)
	if newCategory == oldCategory {
		// Same callback replayed, or a transition between two statuses in
		// the same category (e.g. Sent -> Delivered): no aggregate change.
		return nil
	}

	successDelta, failureDelta := 0, 0
	if oldCategory == categorySuccess {
		successDelta--
	} else if oldCategory == categoryFailure {
		failureDelta--
	}
	if newCategory == categorySuccess {
		successDelta++
	} else if newCategory == categoryFailure {
		failureDelta++
	}
	if successDelta == 0 && failureDelta == 0 {
		return nil
	}
	return st.IncrementBroadcastCounters(ctx, recipient.BroadcastID, successDelta, failureDelta)
}

// firstErrorMessage picks the most specific available description of a
// provider error, preferring the detailed explanation over the generic
// title or bare numeric code (spec.md §4.5 step 3).
func firstErrorMessage(e whatsapp.StatusError) string {
	if e.ErrorData != nil && e.ErrorData.Details != "" {
		return e.ErrorData.Details
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Title != "" {
		return e.Title
	}
	return strconv.Itoa(e.Code)
}

func parseProviderTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errEmptyTimestamp
	}
	if unixSeconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unixSeconds, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func mapProviderStatus(s string) domain.RecipientStatus {
	switch s {
	case "sent":
		return domain.RecipientStatusSent
	case "delivered":
		return domain.RecipientStatusDelivered
	case "read":
		return domain.RecipientStatusRead
	case "failed", "undelivered", "deleted":
		return domain.RecipientStatusFailed
	case "warning":
		return domain.RecipientStatusWarning
	case "pending", "queued":
		return domain.RecipientStatusPending
	case "":
		return ""
	default:
		return domain.RecipientStatus(titleCaser.String(s))
	}
}
