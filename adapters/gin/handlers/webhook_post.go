package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/entitlementkit/adapters/ginutil"
	"github.com/open-rails/entitlementkit/core"
	"github.com/open-rails/entitlementkit/verify"
)

const webhookBodyLimit = 1 << 20 // 1 MiB

// SignatureHeader is where the card processor places the body signature.
const SignatureHeader = "Stripe-Signature"

// HandleWebhookPOST receives card-processor lifecycle events.
//
// Response contract: 2xx only after the event is durably committed
// through dedup and the state machine (a redelivery then dedups to a
// no-op); 4xx on signature failure so the provider stops retrying a
// payload that can never verify; 5xx on transient failure so it retries.
func HandleWebhookPOST(svc *core.Service, verifier *verify.CardVerifier, log *logrus.Logger) gin.HandlerFunc {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, webhookBodyLimit))
		if err != nil {
			ginutil.BadRequest(c, "unreadable_body")
			return
		}

		ev, err := verifier.Verify(body, c.GetHeader(SignatureHeader))
		if err != nil {
			if errors.Is(err, verify.ErrUnhandledEventType) {
				c.JSON(http.StatusOK, gin.H{"received": true})
				return
			}
			var verr *core.VerificationError
			if errors.As(err, &verr) {
				log.WithField("reason", verr.Reason).Warn("webhook rejected")
				ginutil.BadRequest(c, string(verr.Reason))
				return
			}
			ginutil.ServerErr(c, "verification_failed")
			return
		}

		if _, _, err := svc.ApplyEvent(c.Request.Context(), ev); err != nil {
			if errors.Is(err, core.ErrMalformedEvent) {
				log.WithField("event_id", ev.EventID).Warn("webhook event malformed")
				ginutil.BadRequest(c, "malformed_event")
				return
			}
			// Storage failure: tell the provider to redeliver.
			log.WithError(err).WithField("event_id", ev.EventID).
				Error("webhook commit failed")
			ginutil.ServerErr(c, "commit_failed")
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}
