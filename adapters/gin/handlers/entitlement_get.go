package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/open-rails/entitlementkit/adapters/ginutil"
	"github.com/open-rails/entitlementkit/core"
)

// HandleEntitlementGET serves the entitlement read API. It answers from
// the durable store, falling back to the snapshot cache when the store is
// unreachable, and never blocks on a rail.
func HandleEntitlementGET(svc *core.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, err := uuid.Parse(c.Param("account_id"))
		if err != nil {
			ginutil.BadRequest(c, "invalid_account_id")
			return
		}
		rec, stale, err := svc.GetRecord(c.Request.Context(), accountID)
		if err != nil {
			ginutil.ServerErr(c, "entitlement_unavailable")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"record":  rec,
			"premium": rec.IsPremium(),
			"stale":   stale,
		})
	}
}
