package verify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/open-rails/entitlementkit/core"
)

// ErrUnhandledEventType marks webhook event types this core does not
// consume. Callers acknowledge them and move on; they are not failures.
var ErrUnhandledEventType = errors.New("unhandled webhook event type")

// accountIDMetadataKey is the metadata field both checkout and
// subscription objects carry to correlate back to an account.
const accountIDMetadataKey = "account_id"

// CardVerifier validates card-processor webhook payloads. The processor
// signs the raw request body with a shared secret and a timestamp; the
// library recomputes the signature and enforces a replay tolerance window
// (5 minutes by default).
type CardVerifier struct {
	secret string
	now    func() time.Time
}

func NewCardVerifier(secret string) *CardVerifier {
	return &CardVerifier{secret: secret, now: time.Now}
}

// webhookSubscription is the minimal shape of a subscription lifecycle
// payload. Decoding locally keeps us independent of processor API
// version churn in the typed SDK structs.
type webhookSubscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// webhookInvoice is the minimal shape of an invoice payment payload.
type webhookInvoice struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Subscription       string `json:"subscription"`
	NextPaymentAttempt int64  `json:"next_payment_attempt"`
	Lines              struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Metadata map[string]string `json:"metadata"`
}

// Verify recomputes the body signature, rejects stale or forged
// deliveries, and maps the lifecycle event to an asserted status.
func (v *CardVerifier) Verify(raw []byte, signature string) (core.Event, error) {
	if strings.TrimSpace(v.secret) == "" {
		return core.Event{}, core.Rejection(core.RejectUnsupportedRail, errors.New("webhook secret not configured"))
	}
	if strings.TrimSpace(signature) == "" {
		return core.Event{}, core.Rejection(core.RejectInvalidSignature, errors.New("missing signature header"))
	}

	event, err := webhook.ConstructEventWithOptions(raw, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrTooOld) {
			return core.Event{}, core.Rejection(core.RejectExpiredProof, err)
		}
		return core.Event{}, core.Rejection(core.RejectInvalidSignature, err)
	}

	ev, err := v.toEvent(&event, raw)
	if err != nil {
		return core.Event{}, err
	}
	return ev, nil
}

func (v *CardVerifier) toEvent(event *stripelib.Event, raw []byte) (core.Event, error) {
	base := core.Event{
		EventID:       event.ID,
		Rail:          core.RailCardProcessor,
		OccurredAt:    time.Unix(event.Created, 0).UTC(),
		PayloadDigest: PayloadDigest(raw),
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		var sub webhookSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return core.Event{}, core.Rejection(core.RejectMalformedPayload, fmt.Errorf("decode subscription: %w", err))
		}
		return v.subscriptionEvent(base, sub, SubscriptionStatus(sub.Status, sub.CancelAtPeriodEnd))

	case "customer.subscription.deleted":
		var sub webhookSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return core.Event{}, core.Rejection(core.RejectMalformedPayload, fmt.Errorf("decode subscription: %w", err))
		}
		return v.subscriptionEvent(base, sub, core.StatusCancelled)

	case "invoice.payment_succeeded":
		return v.invoiceEvent(base, event.Data.Raw, core.StatusActive)

	case "invoice.payment_failed":
		return v.invoiceEvent(base, event.Data.Raw, core.StatusInGracePeriod)

	default:
		return core.Event{}, fmt.Errorf("%w: %s", ErrUnhandledEventType, event.Type)
	}
}

func (v *CardVerifier) subscriptionEvent(base core.Event, sub webhookSubscription, status core.Status) (core.Event, error) {
	accountID, err := accountFromMetadata(sub.Metadata)
	if err != nil {
		return core.Event{}, core.Rejection(core.RejectMalformedPayload, err)
	}

	base.AccountID = accountID
	base.Status = status
	base.TransactionID = sub.ID
	base.OriginalTransactionID = sub.ID
	autoRenew := !sub.CancelAtPeriodEnd
	base.AutoRenew = &autoRenew

	if len(sub.Items.Data) > 0 {
		base.ProductID = sub.Items.Data[0].Price.ID
	}
	if end := sub.periodEnd(); end > 0 {
		t := time.Unix(end, 0).UTC()
		base.ExpiresAt = &t
	}
	if !base.Valid() {
		return core.Event{}, core.Rejection(core.RejectMalformedPayload, fmt.Errorf("subscription %s missing fields for status %s", sub.ID, status))
	}
	return base, nil
}

func (v *CardVerifier) invoiceEvent(base core.Event, raw json.RawMessage, status core.Status) (core.Event, error) {
	var inv webhookInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return core.Event{}, core.Rejection(core.RejectMalformedPayload, fmt.Errorf("decode invoice: %w", err))
	}
	meta := inv.SubscriptionDetails.Metadata
	if len(meta) == 0 {
		meta = inv.Metadata
	}
	accountID, err := accountFromMetadata(meta)
	if err != nil {
		return core.Event{}, core.Rejection(core.RejectMalformedPayload, err)
	}

	base.AccountID = accountID
	base.Status = status
	base.TransactionID = inv.ID
	base.OriginalTransactionID = inv.Subscription

	switch {
	case status == core.StatusInGracePeriod && inv.NextPaymentAttempt > 0:
		// Grace holds until the provider's next retry.
		t := time.Unix(inv.NextPaymentAttempt, 0).UTC()
		base.ExpiresAt = &t
	case len(inv.Lines.Data) > 0 && inv.Lines.Data[0].Period.End > 0:
		t := time.Unix(inv.Lines.Data[0].Period.End, 0).UTC()
		base.ExpiresAt = &t
	}
	if !base.Valid() {
		return core.Event{}, core.Rejection(core.RejectMalformedPayload, fmt.Errorf("invoice %s missing fields for status %s", inv.ID, status))
	}
	return base, nil
}

// SubscriptionStatus maps the card processor's subscription lifecycle
// status to ours. Shared by the webhook path and the reconcile client so
// both assert identical states for identical provider data.
func SubscriptionStatus(status string, cancelAtPeriodEnd bool) core.Status {
	switch status {
	case "active", "trialing":
		if cancelAtPeriodEnd {
			return core.StatusPendingRenewal
		}
		return core.StatusActive
	case "past_due":
		return core.StatusInGracePeriod
	case "canceled":
		return core.StatusCancelled
	case "unpaid", "incomplete_expired":
		return core.StatusExpired
	default:
		return core.StatusNotSubscribed
	}
}

func (s webhookSubscription) periodEnd() int64 {
	if s.CurrentPeriodEnd > 0 {
		return s.CurrentPeriodEnd
	}
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > 0 {
			return item.CurrentPeriodEnd
		}
	}
	return 0
}

func accountFromMetadata(meta map[string]string) (uuid.UUID, error) {
	rawID := strings.TrimSpace(meta[accountIDMetadataKey])
	if rawID == "" {
		return uuid.Nil, fmt.Errorf("metadata missing %s", accountIDMetadataKey)
	}
	accountID, err := uuid.Parse(rawID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("metadata %s: %w", accountIDMetadataKey, err)
	}
	return accountID, nil
}
