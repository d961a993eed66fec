package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	webhookdomain "github.com/howie/coaching-transcript-tool-sub007/internal/webhook/domain"
)

// responseRetry is any body other than the acknowledgment token; the
// gateway keeps retransmitting until it sees "1|OK".
const responseRetry = "0|Error"

func (s *Server) HandleAuthResult(c *gin.Context) {
	s.handleWebhook(c, webhookdomain.EventAuthResult)
}

func (s *Server) HandleChargeResult(c *gin.Context) {
	s.handleWebhook(c, webhookdomain.EventChargeResult)
}

// handleWebhook is deliberately thin: decode the form, hand the raw params
// to ingestion, echo back whatever literal token it decided on. Signature
// checking and dedup live behind Ingest.
func (s *Server) handleWebhook(c *gin.Context, eventType webhookdomain.EventType) {
	if err := c.Request.ParseForm(); err != nil {
		c.String(http.StatusBadRequest, responseRetry)
		return
	}

	params := make(map[string]string, len(c.Request.PostForm))
	for key, values := range c.Request.PostForm {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	body, err := s.webhookSvc.Ingest(c.Request.Context(), eventType, params)
	if err != nil {
		// Nothing was committed; ask the gateway to retransmit.
		s.log.Error("webhook ingestion failed",
			zap.String("event_type", string(eventType)),
			zap.Error(err),
		)
		c.String(http.StatusInternalServerError, responseRetry)
		return
	}
	c.String(http.StatusOK, body)
}
