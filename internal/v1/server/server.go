// Package server holds the gin controllers for the REST surface. The same
// engine also serves requests synthesized from WebSocket sessions, so every
// route is reachable over both transports.
package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/courier-im/courier/internal/v1/auth"
	"github.com/courier-im/courier/internal/v1/group"
	"github.com/courier-im/courier/internal/v1/metrics"
	"github.com/courier-im/courier/internal/v1/push"
	"github.com/courier-im/courier/internal/v1/store"
	"github.com/courier-im/courier/internal/v1/telemetry"
	"github.com/courier-im/courier/internal/v1/transport"
	"github.com/courier-im/courier/internal/v1/types"
)

const ctxAddress = "courier.address"

// Server bundles the services the controllers call into.
type Server struct {
	store         *store.Store
	auth          *auth.Authenticator
	groups        *group.Service
	push          *push.Service
	dispatcher    types.Dispatcher
	hub           *transport.Hub
	telemetry     *telemetry.Client
	internalToken string
}

func New(s *store.Store, a *auth.Authenticator, g *group.Service, p *push.Service,
	d types.Dispatcher, hub *transport.Hub, t *telemetry.Client, internalToken string) *Server {
	return &Server{
		store:         s,
		auth:          a,
		groups:        g,
		push:          p,
		dispatcher:    d,
		hub:           hub,
		telemetry:     t,
		internalToken: internalToken,
	}
}

// Register wires every route onto the engine. deliverMW runs ahead of the
// group deliver routes, used for the per-account message rate limit.
func (s *Server) Register(r *gin.Engine, deliverMW ...gin.HandlerFunc) {
	accounts := r.Group("/v1/accounts")
	{
		accounts.GET("/challenge/:uid", s.observe("accounts", "challenge"), s.Challenge)
		accounts.PUT("/signup", s.observe("accounts", "signup"), s.Signup)
		accounts.PUT("/signin", s.observe("accounts", "signin"), s.Signin)
		accounts.DELETE("/:uid/:signature", s.observe("accounts", "destroy"), s.Destroy)
		accounts.PUT("/attributes", s.observe("accounts", "attributes"), s.requireAuth(true), s.UpdateAttributes)
		accounts.PUT("/apn", s.observe("accounts", "apn_register"), s.requireAuth(true), s.RegisterApn)
		accounts.DELETE("/apn", s.observe("accounts", "apn_unregister"), s.requireAuth(true), s.UnregisterApn)
		accounts.PUT("/gcm", s.observe("accounts", "gcm_register"), s.requireAuth(true), s.RegisterGcm)
		accounts.DELETE("/gcm", s.observe("accounts", "gcm_unregister"), s.requireAuth(true), s.UnregisterGcm)
	}

	deliver := r.Group("/v1/group/deliver", deliverMW...)
	{
		deliver.PUT("/send_msg", s.observe("group", "send_msg"), s.requireAuth(false), s.SendMsg)
		deliver.PUT("/recall_msg", s.observe("group", "recall_msg"), s.requireAuth(false), s.RecallMsg)
		deliver.PUT("/get_msg", s.observe("group", "get_msg"), s.requireAuth(false), s.GetMsg)
		deliver.PUT("/ack_msg", s.observe("group", "ack_msg"), s.requireAuth(true), s.AckMsg)
	}

	internal := r.Group("/v1/offline", s.requireInternal())
	{
		internal.POST("/pushmsg", s.observe("offline", "pushmsg"), s.PushMsg)
		internal.POST("/notifications", s.observe("offline", "notifications"), s.Notifications)
	}

	if s.hub != nil {
		r.GET("/v1/ws", s.hub.ServeWs)
	}
}

// observe emits exactly one mix metric per call, on every exit path, plus
// the Prometheus latency observation.
func (s *Server) observe(service, method string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)
		if s.telemetry != nil {
			s.telemetry.TryReportMix(service, method, elapsed.Microseconds(), c.Writer.Status())
		}
		metrics.RequestDuration.WithLabelValues(service, method).Observe(elapsed.Seconds())
	}
}

// requireAuth resolves the caller's address. Requests synthesized from a
// WebSocket session carry trusted identity headers; plain HTTP callers
// present Basic credentials. masterOnly restricts to device 1.
func (s *Server) requireAuth(masterOnly bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr, ok := s.identify(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if masterOnly && addr.DeviceID != types.MasterDeviceID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "master device required"})
			return
		}
		c.Set(ctxAddress, addr)
		c.Next()
	}
}

func (s *Server) identify(c *gin.Context) (types.Address, bool) {
	if transport.FromSession(c.Request) {
		uid := c.GetHeader(transport.HeaderSessionUid)
		dev, err := strconv.ParseUint(c.GetHeader(transport.HeaderSessionDevice), 10, 32)
		if uid == "" || err != nil {
			return types.Address{}, false
		}
		return types.NewAddress(types.Uid(uid), types.DeviceID(dev)), true
	}

	cred := c.GetHeader("Authorization")
	if cred == "" {
		return types.Address{}, false
	}
	addr, err := s.auth.VerifyCredential(c.Request.Context(), cred)
	if err != nil {
		return types.Address{}, false
	}
	return addr, true
}

func caller(c *gin.Context) types.Address {
	v, _ := c.Get(ctxAddress)
	addr, _ := v.(types.Address)
	return addr
}

// requireInternal guards the inter-node endpoints with a shared token. A
// node with no token configured refuses all internal calls.
func (s *Server) requireInternal() gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader("X-Courier-Internal")
		if s.internalToken == "" ||
			subtle.ConstantTimeCompare([]byte(presented), []byte(s.internalToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "internal endpoint"})
			return
		}
		c.Next()
	}
}
