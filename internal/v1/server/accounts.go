package server

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/v1/auth"
	"github.com/courier-im/courier/internal/v1/logging"
	"github.com/courier-im/courier/internal/v1/store"
	"github.com/courier-im/courier/internal/v1/types"
)

// Challenge issues a proof-of-work puzzle for the uid about to sign up or
// refresh its credentials.
func (s *Server) Challenge(c *gin.Context) {
	uid := c.Param("uid")
	if uid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uid required"})
		return
	}
	ch, err := s.auth.IssueChallenge(c.Request.Context(), uid)
	if err != nil {
		logging.Error(c.Request.Context(), "challenge issue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "challenge unavailable"})
		return
	}
	c.JSON(http.StatusOK, ch)
}

type signupRequest struct {
	PubKey        string `json:"pubKey" binding:"required"`
	Signature     string `json:"signature" binding:"required"`
	ClientNonce   uint32 `json:"clientNonce"`
	Name          string `json:"name"`
	OsType        string `json:"osType"`
	BuildCode     string `json:"buildCode"`
	PhoneModel    string `json:"phoneModel"`
	ClientVersion string `json:"clientVersion"`
}

// Signup creates an account and its master device. The uid is derived from
// the public key, the PoW challenge must be solved for that uid, and the
// signature proves possession of the private key.
func (s *Server) Signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pubKey, err := base64.StdEncoding.DecodeString(req.PubKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pubKey must be base64"})
		return
	}
	uid := auth.DeriveUid(pubKey)

	if !auth.VerifyAccountSignature(req.PubKey, pubKey, req.Signature) {
		c.JSON(http.StatusForbidden, gin.H{"error": "signature verification failed"})
		return
	}

	if err := s.auth.VerifyChallenge(c.Request.Context(), uid, req.ClientNonce); err != nil {
		switch {
		case errors.Is(err, auth.ErrNoChallenge):
			c.JSON(http.StatusPreconditionFailed, gin.H{"error": "challenge expired"})
		case errors.Is(err, auth.ErrBadProofOfWork):
			c.JSON(http.StatusForbidden, gin.H{"error": "proof of work rejected"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "challenge verification unavailable"})
		}
		return
	}

	token, salt, tokenHash, err := auth.GenerateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}

	account := &store.Account{Uid: uid, PubKey: req.PubKey, Name: req.Name}
	device := &store.Device{
		Uid:           uid,
		DeviceID:      types.MasterDeviceID,
		Salt:          salt,
		TokenHash:     tokenHash,
		OsType:        req.OsType,
		BuildCode:     req.BuildCode,
		PhoneModel:    req.PhoneModel,
		ClientVersion: req.ClientVersion,
	}
	if err := s.store.CreateAccount(c.Request.Context(), account, device); err != nil {
		logging.Error(c.Request.Context(), "account create failed", zap.String("uid", uid), zap.Error(err))
		c.JSON(http.StatusConflict, gin.H{"error": "account already exists"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"uid": uid, "token": token})
}

type signinRequest struct {
	Uid       string `json:"uid" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// Signin re-issues the master device credential. The caller proves account
// ownership by signing its own uid.
func (s *Server) Signin(c *gin.Context) {
	var req signinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account, err := s.store.GetAccount(c.Request.Context(), req.Uid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	if !auth.VerifyAccountSignature(account.PubKey, []byte(req.Uid), req.Signature) {
		c.JSON(http.StatusForbidden, gin.H{"error": "signature verification failed"})
		return
	}

	token, salt, tokenHash, err := auth.GenerateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	err = s.store.ModifyAccount(req.Uid, types.MasterDeviceID).
		SetCredential(salt, tokenHash).
		SetDeviceState(types.DeviceStateNormal).
		TouchLastSeen().
		Apply(c.Request.Context())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "master device not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credential update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"uid": req.Uid, "token": token})
}

// Destroy deletes an account. The signature in the path is the account
// private key's signature over the uid.
func (s *Server) Destroy(c *gin.Context) {
	uid := c.Param("uid")
	sig := c.Param("signature")

	account, err := s.store.GetAccount(c.Request.Context(), uid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	if !auth.VerifyAccountSignature(account.PubKey, []byte(uid), sig) {
		c.JSON(http.StatusForbidden, gin.H{"error": "signature verification failed"})
		return
	}

	if err := s.store.DestroyAccount(c.Request.Context(), uid); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account destroy failed"})
		return
	}
	// Kick any live sessions and blank dependent push state.
	if s.dispatcher != nil {
		s.dispatcher.Kick(types.NewAddress(types.Uid(uid), types.MasterDeviceID))
	}
	if err := s.groups.RefreshPushRecords(c.Request.Context(), types.Uid(uid)); err != nil {
		logging.Warn(c.Request.Context(), "push record blank after destroy failed",
			zap.String("uid", uid), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{})
}

type attributesRequest struct {
	Name          string `json:"name"`
	OsType        string `json:"osType"`
	BuildCode     string `json:"buildCode"`
	PhoneModel    string `json:"phoneModel"`
	ClientVersion string `json:"clientVersion"`
}

// UpdateAttributes updates device metadata for the calling master device.
func (s *Server) UpdateAttributes(c *gin.Context) {
	var req attributesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	addr := caller(c)

	m := s.store.ModifyAccount(string(addr.UID), addr.DeviceID).TouchLastSeen()
	if req.Name != "" {
		m.SetName(req.Name)
	}
	if req.OsType != "" || req.BuildCode != "" || req.PhoneModel != "" {
		m.SetDeviceInfo(req.OsType, req.BuildCode, req.PhoneModel)
	}
	if req.ClientVersion != "" {
		m.SetClientVersion(req.ClientVersion)
	}
	if err := m.Apply(c.Request.Context()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "attribute update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

type apnRequest struct {
	ApnID     string `json:"apnId" binding:"required"`
	ApnType   string `json:"apnType"`
	VoipApnID string `json:"voipApnId"`
}

// RegisterApn stores the device's APNs tokens and rewrites the Redis push
// snapshots for every group the user belongs to.
func (s *Server) RegisterApn(c *gin.Context) {
	var req apnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	addr := caller(c)
	err := s.store.ModifyAccount(string(addr.UID), addr.DeviceID).
		SetApn(req.ApnID, req.ApnType, req.VoipApnID).
		TouchLastSeen().
		Apply(c.Request.Context())
	s.finishRegistration(c, addr.UID, err)
}

// UnregisterApn clears APNs tokens, preventing ghost pushes to a device
// that signed out of Apple's services.
func (s *Server) UnregisterApn(c *gin.Context) {
	addr := caller(c)
	err := s.store.ModifyAccount(string(addr.UID), addr.DeviceID).
		SetApn("", "", "").
		Apply(c.Request.Context())
	s.finishRegistration(c, addr.UID, err)
}

type gcmRequest struct {
	GcmID   string `json:"gcmId"`
	UmengID string `json:"umengId"`
}

// RegisterGcm stores FCM and Umeng registrations.
func (s *Server) RegisterGcm(c *gin.Context) {
	var req gcmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.GcmID == "" && req.UmengID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "gcmId or umengId required"})
		return
	}
	addr := caller(c)
	m := s.store.ModifyAccount(string(addr.UID), addr.DeviceID).TouchLastSeen()
	if req.GcmID != "" {
		m.SetGcmID(req.GcmID)
	}
	if req.UmengID != "" {
		m.SetUmengID(req.UmengID)
	}
	s.finishRegistration(c, addr.UID, m.Apply(c.Request.Context()))
}

// UnregisterGcm clears FCM and Umeng registrations.
func (s *Server) UnregisterGcm(c *gin.Context) {
	addr := caller(c)
	err := s.store.ModifyAccount(string(addr.UID), addr.DeviceID).
		SetGcmID("").
		SetUmengID("").
		Apply(c.Request.Context())
	s.finishRegistration(c, addr.UID, err)
}

// finishRegistration maps the modify outcome and propagates the new push
// snapshot into every group_user_msg record for the account.
func (s *Server) finishRegistration(c *gin.Context, uid types.Uid, err error) {
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration update failed"})
		return
	}
	if err := s.groups.RefreshPushRecords(c.Request.Context(), uid); err != nil {
		logging.Warn(c.Request.Context(), "push record refresh failed",
			zap.String("uid", string(uid)), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{})
}
