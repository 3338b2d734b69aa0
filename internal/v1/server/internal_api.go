package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/courier-im/courier/internal/v1/types"
)

// PushMsg accepts a notification from a peer node and submits it to the
// local push service. Used when the lease holder hands work to the node
// that owns the provider connection.
func (s *Server) PushMsg(c *gin.Context) {
	var n types.Notification
	if err := c.ShouldBindJSON(&n); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if n.UID == "" || n.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id and uid required"})
		return
	}
	if err := s.push.Submit(c.Request.Context(), &n); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submission failed, safe to retry"})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

type notificationRequest struct {
	Uid      types.Uid       `json:"uid" binding:"required"`
	DeviceID types.DeviceID  `json:"deviceId"`
	Payload  json.RawMessage `json:"payload"`

	// CancelVoipID stops the VoIP resend loop for an acknowledged call.
	CancelVoipID string `json:"cancelVoipId"`
}

// Notifications dispatches a payload to a locally connected session, or
// cancels a VoIP resend when the callee acked the call on this node.
func (s *Server) Notifications(c *gin.Context) {
	var req notificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.CancelVoipID != "" {
		s.push.CancelVoip(req.CancelVoipID)
	}
	if len(req.Payload) == 0 {
		c.JSON(http.StatusOK, gin.H{"delivered": false})
		return
	}

	deviceID := req.DeviceID
	if deviceID == 0 {
		deviceID = types.MasterDeviceID
	}
	delivered := s.dispatcher.Publish(c.Request.Context(),
		types.NewAddress(req.Uid, deviceID), req.Payload)
	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}
