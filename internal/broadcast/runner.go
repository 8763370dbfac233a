// Package broadcast implements the Broadcast Runner: fan-out of one flow's
// trigger over a resolved contact set, processed strictly sequentially per
// recipient with fail-fast credential handling (spec.md §4.4).
package broadcast

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/domain"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/engine"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/metrics"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/sessionlock"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/store"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/transport"
)

// ErrNoRecipients is returned by Launch when the resolved recipient set is
// empty — a broadcast with nothing to send to is a caller error, not a
// silently created no-op (spec.md §4.4 step 2).
var ErrNoRecipients = errors.New("broadcast: resolved recipient set is empty")

// credentialFailureMessage is the canonical, user-visible reason recorded on
// every recipient aborted by a tenant credential failure (spec.md §4.4 step
// 6), regardless of the underlying provider error's exact wording.
const credentialFailureMessage = "access token expired; reconnect in Settings"

// Selection chooses which of a tenant's contacts a broadcast targets
// (spec.md §4.4's `selection ∈ {AllWithOptionalTag, SpecificContactIds}`).
// A non-empty ContactIDs selects SpecificContactIds; otherwise the broadcast
// targets AllWithOptionalTag, filtered by Tag when Tag is non-empty.
type Selection struct {
	ContactIDs []string
	Tag        string
}

// Runner executes a Broadcast against its resolved recipient set.
type Runner struct {
	store     store.Store
	engine    *engine.Engine
	transport transport.Transport
	locker    *sessionlock.Locker
	logger    *zap.Logger
}

// New constructs a Runner. locker may be nil (see dispatcher.New).
func New(st store.Store, eng *engine.Engine, tp transport.Transport, locker *sessionlock.Locker, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{store: st, engine: eng, transport: tp, locker: locker, logger: logger}
}

// Launch creates the broadcast's recipient rows from the selection's
// resolved contact set and starts processing them asynchronously. It
// returns the persisted Broadcast immediately with status Processing.
func (r *Runner) Launch(ctx context.Context, tenant *domain.Tenant, flow *domain.Flow, title, body string, selection Selection) (*domain.Broadcast, error) {
	var contacts []*domain.Contact
	var err error
	if len(selection.ContactIDs) > 0 {
		contacts, err = r.store.ListContactsByIDs(ctx, tenant.ID, selection.ContactIDs)
	} else {
		contacts, err = r.store.ListContactsByTag(ctx, tenant.ID, selection.Tag)
	}
	if err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		return nil, ErrNoRecipients
	}

	b, err := r.store.CreateBroadcast(ctx, &domain.Broadcast{
		TenantID:        tenant.ID,
		FlowID:          flow.ID,
		Title:           title,
		Body:            body,
		FilterTag:       selection.Tag,
		Status:          domain.BroadcastStatusProcessing,
		TotalRecipients: len(contacts),
	})
	if err != nil {
		return nil, err
	}

	recipients := make([]*domain.BroadcastRecipient, 0, len(contacts))
	for _, c := range contacts {
		recipients = append(recipients, &domain.BroadcastRecipient{
			BroadcastID: b.ID,
			ContactID:   c.ID,
			Status:      domain.RecipientStatusPending,
		})
	}
	if err := r.store.CreateBroadcastRecipients(ctx, recipients); err != nil {
		return nil, err
	}

	go r.run(context.Background(), tenant, flow, b, contacts, recipients)
	return b, nil
}

// run processes recipients strictly sequentially in their created order
// (spec.md §4.4): each gets its own fresh session and engine invocation; a
// credential failure aborts all remaining recipients as Failed without
// attempting them, since the same tenant credential backs every send.
func (r *Runner) run(ctx context.Context, tenant *domain.Tenant, flow *domain.Flow, b *domain.Broadcast, contacts []*domain.Contact, recipients []*domain.BroadcastRecipient) {
	contactByID := make(map[string]*domain.Contact, len(contacts))
	for _, c := range contacts {
		contactByID[c.ID] = c
	}

	successCount, failureCount := 0, 0
	aborted := false

	for _, rec := range recipients {
		if aborted {
			rec.Status = domain.RecipientStatusFailed
			rec.Error = credentialFailureMessage
			_ = r.store.UpdateBroadcastRecipient(ctx, rec)
			failureCount++
			metrics.BroadcastRecipients.WithLabelValues("aborted").Inc()
			continue
		}

		contact := contactByID[rec.ContactID]
		if contact == nil {
			rec.Status = domain.RecipientStatusFailed
			rec.Error = "contact no longer exists"
			_ = r.store.UpdateBroadcastRecipient(ctx, rec)
			failureCount++
			continue
		}

		sess := &domain.Session{
			ContactID: contact.ID,
			FlowID:    flow.ID,
			TenantID:  tenant.ID,
			Status:    domain.SessionStatusActive,
			Context:   broadcastContext(b, flow, contact.ID),
			Flow:      flow,
			Contact:   contact,
		}
		saved, err := r.store.UpsertSession(ctx, sess)
		if err != nil {
			r.logger.Error("failed to create broadcast recipient session", zap.Error(err))
			rec.Status = domain.RecipientStatusFailed
			rec.Error = "failed to create session"
			_ = r.store.UpdateBroadcastRecipient(ctx, rec)
			failureCount++
			continue
		}
		saved.Flow = flow
		saved.Contact = contact

		execFn := func(ctx context.Context) error {
			return r.engine.Execute(ctx, saved, flow.Trigger, r.transport, &engine.InboundMeta{RawText: flow.Trigger})
		}

		var execErr error
		if r.locker != nil {
			execErr = r.locker.WithLock(ctx, sessionlock.Key(contact.ID, flow.ID), execFn)
		} else {
			execErr = execFn(ctx)
		}

		var credErr *engine.SendAbortedError
		failureReason := ""
		switch {
		case as(execErr, &credErr):
			failureReason = credErr.Error()
		case saved.Status == domain.SessionStatusErrored:
			failureReason = "session ended in errored state"
		}

		if failureReason != "" {
			if isCredentialFailure(failureReason) {
				aborted = true
				failureReason = credentialFailureMessage
				metrics.BroadcastRecipients.WithLabelValues("credential_failed").Inc()
			} else {
				metrics.BroadcastRecipients.WithLabelValues("failed").Inc()
			}
			rec.Status = domain.RecipientStatusFailed
			rec.Error = failureReason
			_ = r.store.UpdateBroadcastRecipient(ctx, rec)
			failureCount++
			continue
		}

		rec.Status = domain.RecipientStatusSent
		now := time.Now()
		rec.SentAt = &now
		rec.MessageID = saved.LastMessageID
		rec.ConversationID = saved.LastConversationID
		_ = r.store.UpdateBroadcastRecipient(ctx, rec)
		successCount++
		metrics.BroadcastRecipients.WithLabelValues("sent").Inc()
	}

	finalStatus := domain.BroadcastStatusCompleted
	switch {
	case successCount == 0 && failureCount > 0:
		finalStatus = domain.BroadcastStatusFailed
	case failureCount > 0:
		finalStatus = domain.BroadcastStatusCompletedWithError
	}
	if err := r.store.UpdateBroadcastStatus(ctx, b.ID, finalStatus, successCount, failureCount); err != nil {
		r.logger.Error("failed to finalize broadcast status", zap.Error(err))
	}
}

// broadcastContext builds the session context marker every broadcast
// recipient's session carries (spec.md §4.4 step 4), letting a flow's
// template expressions reference which broadcast attached the session.
func broadcastContext(b *domain.Broadcast, flow *domain.Flow, contactID string) map[string]interface{} {
	return map[string]interface{}{
		"source":          "broadcast",
		"lastBroadcastId": b.ID,
		"flowId":          flow.ID,
		"flowName":        flow.Name,
		"broadcastTitle":  b.Title,
		"attachedAt":      time.Now().UTC().Format(time.RFC3339),
		"contactId":       contactID,
	}
}

// isCredentialFailure matches spec.md §4.4 step 6's detection rule: a
// case-insensitive substring match on "access token" or "unauthorized"
// anywhere in the underlying error text.
func isCredentialFailure(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "access token") || strings.Contains(lower, "unauthorized")
}

func as(err error, target **engine.SendAbortedError) bool {
	for err != nil {
		if se, ok := err.(*engine.SendAbortedError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
