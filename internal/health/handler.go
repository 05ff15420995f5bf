package health

import (
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Payload is the body served by the health endpoint.
type Payload struct {
	Status        string   `json:"status"`
	UptimeSeconds *float64 `json:"uptime_seconds,omitempty"`
	Mode          string   `json:"agent_mode,omitempty"`
}

// Check optionally reports a reason the host program is not healthy.
type Check func() error

// Handler serves {"status":"ok","uptime_seconds":N}. When check returns an
// error the response is 503 with status "error".
func Handler(started time.Time, mode string, check Check) gin.HandlerFunc {
	return func(c *gin.Context) {
		up := math.Round(time.Since(started).Seconds()*100) / 100
		p := Payload{Status: "ok", UptimeSeconds: &up, Mode: mode}
		if check != nil {
			if err := check(); err != nil {
				p.Status = "error"
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": p.Status, "uptime_seconds": up, "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, p)
	}
}

// Mount registers GET /health on g.
func Mount(g gin.IRoutes, started time.Time, mode string, check Check) {
	g.GET("/health", Handler(started, mode, check))
}
