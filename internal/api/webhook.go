package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"mtf-executor/internal/engine"
	"mtf-executor/internal/signal"
)

// webhookStatus maps pipeline outcomes to HTTP codes. A 5xx redelivery of the same
// nonce is a duplicate; a failed entry leaves the instrument unconfirmed, so the next
// fresh unanimous alert enters again.
func webhookStatus(s engine.Status) int {
	switch s {
	case engine.StatusInvalid:
		return http.StatusBadRequest
	case engine.StatusUnavailable:
		return http.StatusServiceUnavailable
	case engine.StatusFailed:
		return http.StatusBadGateway
	}
	return http.StatusOK
}

func (s *Server) webhook(c *gin.Context) {
	var p signal.Payload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status": engine.StatusInvalid,
			"error":  "malformed payload: " + err.Error(),
		})
		return
	}
	if want := s.Opts.WebhookPassphrase; want != "" {
		if subtle.ConstantTimeCompare([]byte(p.Passphrase), []byte(want)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"status": engine.StatusInvalid,
				"error":  "invalid passphrase",
			})
			return
		}
	}

	out, err := s.Engine.HandleSignal(c.Request.Context(), p)
	body := gin.H{"status": out.Status}
	if out.Instrument != "" {
		body["instrument"] = out.Instrument
		body["nonce"] = out.Nonce
	}
	if out.State != "" {
		body["state"] = out.State
	}
	if out.Decision != nil {
		body["decision"] = out.Decision
	}
	if out.Execution != nil {
		body["execution"] = out.Execution
	}
	if err != nil {
		body["error"] = err.Error()
	} else if out.Detail != "" {
		body["detail"] = out.Detail
	}
	c.JSON(webhookStatus(out.Status), body)
}
