package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/registrar/backend/internal/claim"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/enrollment"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/users"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/waitlist"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "registrar_user_id"

var (
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingWaitlist     = errors.New("waitlist engine dependency required")
	errMissingEnrolment    = errors.New("enrollment service dependency required")
	errMissingRedeemer     = errors.New("claim redeemer dependency required")
	errMissingUsers        = errors.New("user service dependency required")
	errInvalidAuth         = errors.New("authorization header missing or invalid")
)

// SessionValidator resolves a bearer token to the acting user id.
type SessionValidator interface {
	ValidateToken(token string) (int64, error)
}

// Dependencies wires the router's collaborators.
type Dependencies struct {
	Sessions       SessionValidator
	Waitlist       *waitlist.Service
	Enrolment      *enrollment.Service
	Redeemer       *claim.Redeemer
	Users          *users.Service
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// NewHTTPHandler assembles the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingTokenManager
	}
	if deps.Waitlist == nil {
		return nil, errMissingWaitlist
	}
	if deps.Enrolment == nil {
		return nil, errMissingEnrolment
	}
	if deps.Redeemer == nil {
		return nil, errMissingRedeemer
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:  deps.Sessions,
		waitlist:  deps.Waitlist,
		enrolment: deps.Enrolment,
		redeemer:  deps.Redeemer,
		users:     deps.Users,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/enrol/:instanceID", handler.handleSelfEnrol)
	protected.POST("/waitlist/:instanceID/join", handler.handleJoin)
	protected.POST("/waitlist/:instanceID/leave", handler.handleLeave)
	protected.GET("/waitlist/:instanceID/position", handler.handlePosition)
	protected.GET("/claim", handler.handleClaim)

	return router, nil
}

type httpHandler struct {
	sessions  SessionValidator
	waitlist  *waitlist.Service
	enrolment *enrollment.Service
	redeemer  *claim.Redeemer
	users     *users.Service
	logger    *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	userID, err := h.sessions.ValidateToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) actingUser(c *gin.Context) (int64, bool) {
	value, ok := c.Get(userIDContextKey)
	if !ok {
		return 0, false
	}
	userID, ok := value.(int64)
	return userID, ok
}

func (h *httpHandler) instanceParam(c *gin.Context) (enrollment.Instance, bool) {
	instanceID, err := strconv.ParseInt(c.Param("instanceID"), 10, 64)
	if err != nil || instanceID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
		return enrollment.Instance{}, false
	}
	inst, err := h.enrolment.Instance(c.Request.Context(), instanceID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return enrollment.Instance{}, false
	}
	// Any authenticated touch of an instance counts as course access for
	// the inactivity sweep. A failed write never fails the request.
	if userID, ok := h.actingUser(c); ok {
		if err := h.users.RecordCourseAccess(c.Request.Context(), inst.ID, userID); err != nil {
			h.logger.Warn("course access record failed", zap.Error(err))
		}
	}
	return inst, true
}

func eligibilityBody(e enrollment.Eligibility) gin.H {
	body := gin.H{"code": string(e.Code)}
	if e.WindowOpensAt != 0 {
		body["window_opens_at"] = e.WindowOpensAt
	}
	if e.WindowClosedAt != 0 {
		body["window_closed_at"] = e.WindowClosedAt
	}
	if e.CategoryID != 0 {
		body["category_id"] = e.CategoryID
	}
	if e.Code == enrollment.CodeCapacityReached {
		body["waitlist_open"] = e.WaitlistOpen
	}
	return body
}

func (h *httpHandler) handleSelfEnrol(c *gin.Context) {
	userID, ok := h.actingUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	inst, ok := h.instanceParam(c)
	if !ok {
		return
	}

	result, err := h.enrolment.SelfEnrol(c.Request.Context(), inst, userID)
	if err != nil {
		h.logger.Error("self enrol failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "self enrol failed"})
		return
	}
	if !result.Admitted {
		c.JSON(http.StatusConflict, eligibilityBody(result.Eligibility))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "enrolled"})
}

// handleJoin runs the admission-side checks the waitlist engine leaves to
// its caller: no duplicate entry, and the capacity gate actually pointing
// the user at the waitlist.
func (h *httpHandler) handleJoin(c *gin.Context) {
	userID, ok := h.actingUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	inst, ok := h.instanceParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	queued, err := h.waitlist.IsQueued(ctx, inst.ID, userID)
	if err != nil {
		h.logger.Error("waitlist membership check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "waitlist join failed"})
		return
	}
	if queued {
		c.JSON(http.StatusConflict, gin.H{"error": "already on waitlist"})
		return
	}

	eligibility, err := h.enrolment.Oracle().CanEnrol(ctx, inst, userID, enrollment.EnrolOptions{Self: true})
	if err != nil {
		h.logger.Error("eligibility check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "waitlist join failed"})
		return
	}
	if eligibility.Eligible() {
		c.JSON(http.StatusConflict, gin.H{"error": "direct enrolment available", "code": string(enrollment.CodeEligible)})
		return
	}
	if eligibility.Code != enrollment.CodeCapacityReached || !eligibility.WaitlistOpen {
		c.JSON(http.StatusConflict, eligibilityBody(eligibility))
		return
	}

	entryID, err := h.waitlist.Join(ctx, waitlist.JoinRequest{InstanceID: inst.ID, UserID: userID})
	if err != nil {
		h.logger.Error("waitlist join failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "waitlist join failed"})
		return
	}

	position, err := h.waitlist.Position(ctx, inst.ID, userID, orderingFor(inst))
	if err != nil {
		position = waitlist.PositionNotFound
	}
	c.JSON(http.StatusOK, gin.H{"entry_id": entryID, "position": position})
}

func (h *httpHandler) handleLeave(c *gin.Context) {
	userID, ok := h.actingUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	inst, ok := h.instanceParam(c)
	if !ok {
		return
	}
	if err := h.waitlist.Leave(c.Request.Context(), inst.ID, userID); err != nil {
		h.logger.Error("waitlist leave failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "waitlist leave failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePosition(c *gin.Context) {
	userID, ok := h.actingUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	inst, ok := h.instanceParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	queued, err := h.waitlist.IsQueued(ctx, inst.ID, userID)
	if err != nil {
		h.logger.Error("waitlist membership check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "position lookup failed"})
		return
	}
	position, err := h.waitlist.Position(ctx, inst.ID, userID, orderingFor(inst))
	if err != nil {
		h.logger.Error("position lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "position lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queued": queued, "position": position})
}

// handleClaim redeems a token for the authenticated user. Failures are
// informational, not alarming: the user lost a race or followed a stale
// link, neither of which is an error on their part.
func (h *httpHandler) handleClaim(c *gin.Context) {
	userID, ok := h.actingUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token query parameter required"})
		return
	}

	result, err := h.redeemer.Redeem(c.Request.Context(), token, userID)
	if err != nil {
		h.logger.Error("claim redemption failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "claim redemption failed"})
		return
	}
	if result.Outcome != claim.OutcomeAdmitted {
		c.JSON(http.StatusConflict, gin.H{"outcome": string(result.Outcome)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": string(result.Outcome), "instance_id": result.InstanceID})
}

func orderingFor(inst enrollment.Instance) waitlist.Ordering {
	if inst.OrderBySeniority {
		return waitlist.OrderBySeniority
	}
	return waitlist.OrderByCreation
}
