package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/open-rails/entitlementkit/adapters/ginutil"
	"github.com/open-rails/entitlementkit/core"
	"github.com/open-rails/entitlementkit/reconcile"
)

// HandleRestorePOST runs an explicit user-triggered reconciliation. When
// every rail is unreachable the last known record is returned, flagged as
// offline, rather than reporting loss of entitlement.
func HandleRestorePOST(svc *core.Service, sched *reconcile.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, err := uuid.Parse(c.Param("account_id"))
		if err != nil {
			ginutil.BadRequest(c, "invalid_account_id")
			return
		}
		outcome, err := sched.Restore(c.Request.Context(), accountID)
		if err != nil {
			ginutil.ServerErr(c, "restore_failed")
			return
		}
		rec, stale, err := svc.GetRecord(c.Request.Context(), accountID)
		if err != nil {
			ginutil.ServerErr(c, "entitlement_unavailable")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"outcome": outcome,
			"offline": outcome == reconcile.OutcomeSourceUnavailable,
			"record":  rec,
			"premium": rec.IsPremium(),
			"stale":   stale,
		})
	}
}
