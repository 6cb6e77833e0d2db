package entgin

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/entitlementkit/adapters/gin/handlers"
	"github.com/open-rails/entitlementkit/core"
	"github.com/open-rails/entitlementkit/reconcile"
	"github.com/open-rails/entitlementkit/verify"
)

// MountConfig carries the optional collaborators for Mount.
type MountConfig struct {
	// Limiter throttles the read and restore endpoints. Nil disables
	// throttling.
	Limiter RateLimiter
	Logger  *logrus.Logger
}

// Mount registers the entitlement routes on the given router group:
//
//	POST /webhooks/card                    card-processor lifecycle events
//	GET  /entitlements/:account_id         read API
//	POST /entitlements/:account_id/restore explicit reconciliation
func Mount(r gin.IRouter, svc *core.Service, sched *reconcile.Scheduler, cardVerifier *verify.CardVerifier, cfg MountConfig) {
	r.POST("/webhooks/card", handlers.HandleWebhookPOST(svc, cardVerifier, cfg.Logger))
	r.GET("/entitlements/:account_id",
		throttle(cfg.Limiter, BucketRead), handlers.HandleEntitlementGET(svc))
	r.POST("/entitlements/:account_id/restore",
		throttle(cfg.Limiter, BucketRestore), handlers.HandleRestorePOST(svc, sched))
}
