package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/courier-im/courier/internal/v1/group"
	"github.com/courier-im/courier/internal/v1/store"
	"github.com/courier-im/courier/internal/v1/types"
)

type sendMsgRequest struct {
	Gid            types.Gid            `json:"gid" binding:"required"`
	Text           string               `json:"text"`
	AtList         []string             `json:"atList"`
	AtAll          bool                 `json:"atAll"`
	PushPeopleType types.PushPeopleType `json:"pushType"`
	Members        []string             `json:"members"`
	SourceExtra    string               `json:"sourceExtra"`
	VerifySig      string               `json:"verifySig"`
}

// SendMsg stores and fans out one group message.
func (s *Server) SendMsg(c *gin.Context) {
	var req sendMsgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pushType := req.PushPeopleType
	if pushType == 0 {
		pushType = types.PushToEveryone
	}
	if pushType == types.PushToDesignatedPerson && len(req.Members) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "designated push requires members"})
		return
	}

	addr := caller(c)
	mid, err := s.groups.Send(c.Request.Context(), req.Gid, addr.UID, &group.SendRequest{
		Text:           req.Text,
		AtList:         req.AtList,
		AtAll:          req.AtAll,
		PushPeopleType: pushType,
		Members:        req.Members,
		SourceExtra:    req.SourceExtra,
		VerifySig:      req.VerifySig,
	})
	if err != nil {
		s.groupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gid": req.Gid, "mid": mid})
}

type recallMsgRequest struct {
	Gid   types.Gid `json:"gid" binding:"required"`
	Mid   types.Mid `json:"mid" binding:"required"`
	IvSig string    `json:"ivSig"`
}

// RecallMsg recalls a previously sent message within the recall window.
func (s *Server) RecallMsg(c *gin.Context) {
	var req recallMsgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	addr := caller(c)
	markerMid, err := s.groups.Recall(c.Request.Context(), req.Gid, addr.UID, req.Mid, req.IvSig)
	if err != nil {
		s.groupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gid": req.Gid, "mid": markerMid})
}

type getMsgRequest struct {
	Gid           types.Gid `json:"gid" binding:"required"`
	From          types.Mid `json:"from"`
	To            types.Mid `json:"to"`
	SupportRecall bool      `json:"supportRecall"`
}

type wireMessage struct {
	Mid         types.Mid       `json:"mid"`
	FromUid     string          `json:"fromUid,omitempty"`
	Type        types.MsgType   `json:"type"`
	Status      types.MsgStatus `json:"status"`
	Text        string          `json:"text,omitempty"`
	SourceExtra string          `json:"sourceExtra,omitempty"`
	AtList      string          `json:"atList,omitempty"`
	AtAll       bool            `json:"atAll,omitempty"`
	CreateTime  int64           `json:"createTime"`
}

// GetMsg fetches a mid range, shaped for the caller's recall capability.
func (s *Server) GetMsg(c *gin.Context) {
	var req getMsgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	addr := caller(c)
	rows, err := s.groups.Fetch(c.Request.Context(), req.Gid, addr.UID, req.From, req.To, req.SupportRecall)
	if err != nil {
		s.groupError(c, err)
		return
	}
	out := make([]wireMessage, 0, len(rows))
	for _, m := range rows {
		out = append(out, wireMessage{
			Mid:         types.Mid(m.Mid),
			FromUid:     m.FromUid,
			Type:        m.Type,
			Status:      m.Status,
			Text:        m.Text,
			SourceExtra: m.SourceExtra,
			AtList:      m.AtList,
			AtAll:       m.AtAll,
			CreateTime:  m.CreatedAt.Unix(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"gid": req.Gid, "messages": out})
}

type ackMsgRequest struct {
	Gid     types.Gid `json:"gid" binding:"required"`
	LastMid types.Mid `json:"lastMid" binding:"required"`
}

// AckMsg advances the caller's read cursor. Master device only; linked
// devices learn the cursor through sync.
func (s *Server) AckMsg(c *gin.Context) {
	var req ackMsgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	addr := caller(c)
	if err := s.groups.Ack(c.Request.Context(), req.Gid, addr.UID, req.LastMid); err != nil {
		s.groupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ackTime": time.Now().Unix()})
}

// groupError maps service errors onto the wire taxonomy. Provider and infra
// details never surface.
func (s *Server) groupError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, group.ErrNotMember):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a group member"})
	case errors.Is(err, group.ErrRoleForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "role may not perform this operation"})
	case errors.Is(err, group.ErrNotSender):
		c.JSON(http.StatusForbidden, gin.H{"error": "only the sender may recall"})
	case errors.Is(err, group.ErrMsgTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"error": "message too large"})
	case errors.Is(err, group.ErrBadSourceExtra):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed sealed sender blob"})
	case errors.Is(err, group.ErrRecallWindowExpired):
		c.JSON(http.StatusConflict, gin.H{
			"error":      "recall window expired",
			"error_code": group.RecallWindowExpiredCode,
		})
	case errors.Is(err, group.ErrNotRecallable):
		c.JSON(http.StatusConflict, gin.H{"error": "message cannot be recalled"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "operation failed, safe to retry"})
	}
}
