package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lumenhq/calsync/internal/provider"
	"github.com/lumenhq/calsync/internal/webhook"
)

// graphNotificationBatch is Microsoft's change notification envelope. Items
// are independent: one bad entry never blocks the others.
type graphNotificationBatch struct {
	Value []graphNotification `json:"value"`
}

type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
}

// handleMicrosoftWebhook receives Graph change notifications. The endpoint
// validation handshake is answered before any other checks, as Graph requires.
// A body that does not parse is rejected with a client error; well-formed
// notifications are acknowledged immediately and processed off the request
// path, and rejection reasons are never revealed to the sender.
func (s *Server) handleMicrosoftWebhook(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		c.Data(http.StatusOK, "text/plain", []byte(token))
		return
	}

	var batch graphNotificationBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		s.log.Debug("malformed microsoft notification body", zap.Error(err))
		c.Status(http.StatusBadRequest)
		return
	}

	for _, item := range batch.Value {
		if item.SubscriptionID == "" {
			continue
		}
		s.dispatch(webhook.Notification{
			Provider:       provider.Microsoft,
			SubscriptionID: item.SubscriptionID,
			ClientState:    item.ClientState,
			ChangeType:     item.ChangeType,
			Resource:       item.Resource,
		})
	}

	c.Status(http.StatusAccepted)
}

// handleGoogleWebhook receives calendar push notifications. Google sends no
// body; everything rides in channel headers. The initial "sync" message that
// confirms a new channel is acknowledged without processing.
func (s *Server) handleGoogleWebhook(c *gin.Context) {
	channelID := c.GetHeader("X-Goog-Channel-ID")
	resourceState := c.GetHeader("X-Goog-Resource-State")

	if channelID == "" || resourceState == "" || resourceState == "sync" {
		c.Status(http.StatusOK)
		return
	}

	s.dispatch(webhook.Notification{
		Provider:       provider.Google,
		SubscriptionID: channelID,
		ClientState:    c.GetHeader("X-Goog-Channel-Token"),
		ChangeType:     resourceState,
		Resource:       c.GetHeader("X-Goog-Resource-ID"),
	})

	c.Status(http.StatusOK)
}

// dispatch hands a notification to the processor off the request path with a
// bounded deadline, so provider delivery timeouts never depend on sync
// latency.
func (s *Server) dispatch(n webhook.Notification) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DispatchTimeout)
		defer cancel()
		// Rejections are logged inside the processor; nothing to do here.
		_ = s.processor.Process(ctx, n)
	}()
}
