// Package ginutil holds small response helpers shared by the gin
// handlers.
package ginutil

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func BadRequest(c *gin.Context, code string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code})
}

func NotFound(c *gin.Context, code string) {
	c.JSON(http.StatusNotFound, gin.H{"error": code})
}

func ServerErr(c *gin.Context, code string) {
	c.JSON(http.StatusInternalServerError, gin.H{"error": code})
}
