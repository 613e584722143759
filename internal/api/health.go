package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func registerHealth(engine *gin.Engine) {
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ok":      true,
			"service": "kleis",
			"now":     time.Now().UTC().Format(time.RFC3339),
		})
	})
}
