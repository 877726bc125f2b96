package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	commonauth "realtime_server/server/common/auth"
	commonlog "realtime_server/server/common/log"
	"realtime_server/server/common/middleware"
	"realtime_server/server/common/transport/httpresp"
	"realtime_server/server/realtime/domain"
	"realtime_server/server/realtime/service"
)

// CloseUnauthorized is sent when the in-band auth message is missing or invalid.
const CloseUnauthorized = 4401

// authFrameLimit caps the unauthenticated first frame; it only carries a token.
const authFrameLimit = 8 << 10

type Config struct {
	HandshakeTimeout time.Duration
	AllowedOrigins   []string
	Client           service.ClientOptions
}

type Handler struct {
	manager    *service.ConnectionManager
	dispatcher service.Dispatcher
	auth       *commonauth.Service
	cfg        Config
	upgrader   websocket.Upgrader
}

func NewHandler(manager *service.ConnectionManager, dispatcher service.Dispatcher, auth *commonauth.Service, cfg Config) *Handler {
	if dispatcher == nil {
		dispatcher = manager
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	h := &Handler{manager: manager, dispatcher: dispatcher, auth: auth, cfg: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", h.handleWS)

	api := r.Group("/api/v1/realtime")
	api.Use(middleware.AuthRequired(h.auth))
	{
		staff := api.Group("")
		staff.Use(middleware.RequireRoles(string(domain.RoleAdmin), string(domain.RoleManager)))
		staff.GET("/stats", h.stats)
		staff.POST("/users/:id/events", h.sendToUser)
		staff.POST("/rooms/:id/events", h.broadcastToRoom)
		staff.POST("/companies/:id/events", h.broadcastToCompany)
		staff.POST("/roles/:role/events", h.broadcastToRole)

		admin := api.Group("")
		admin.Use(middleware.RequireRoles(string(domain.RoleAdmin)))
		admin.POST("/broadcast", h.broadcastToAll)
		admin.DELETE("/users/:id/connection", h.disconnectUser)
	}
}

func (h *Handler) health(c *gin.Context) {
	if !h.manager.IsHealthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) handleWS(c *gin.Context) {
	if !h.manager.IsHealthy() {
		c.JSON(http.StatusServiceUnavailable, httpresp.NewErrorResponse(httpresp.ErrRealtimeUnavailable))
		return
	}

	token := middleware.BearerToken(c.GetHeader("Authorization"))
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token != "" {
		principal, err := h.auth.ParsePrincipal(token)
		if err != nil {
			service.RecordAuthFailure(authFailureReason(err))
			commonlog.Infof("event=realtime_ws action=authenticate status=failed stage=upgrade remote=%s error=%v", c.ClientIP(), err)
			c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
			return
		}
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			commonlog.Warnf("event=realtime_ws action=upgrade status=failed remote=%s error=%v", c.ClientIP(), err)
			return
		}
		h.serve(c, conn, principal)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		commonlog.Warnf("event=realtime_ws action=upgrade status=failed remote=%s error=%v", c.ClientIP(), err)
		return
	}
	principal, reason, err := h.awaitAuth(conn)
	if err != nil {
		service.RecordAuthFailure(reason)
		commonlog.Infof("event=realtime_ws action=authenticate status=failed stage=message reason=%s remote=%s error=%v", reason, c.ClientIP(), err)
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseUnauthorized, "unauthorized"), deadline)
		_ = conn.Close()
		return
	}
	h.serve(c, conn, principal)
}

// awaitAuth reads the first frame, which must be an auth event carrying a token.
func (h *Handler) awaitAuth(conn *websocket.Conn) (commonauth.Principal, string, error) {
	conn.SetReadLimit(authFrameLimit)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return commonauth.Principal{}, "frame_too_large", err
		}
		return commonauth.Principal{}, "timeout", err
	}
	var ev domain.InboundEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Type != domain.EventAuth {
		return commonauth.Principal{}, "unexpected_event", errors.New("first message must be an auth event")
	}
	var p domain.AuthPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return commonauth.Principal{}, "missing_token", err
	}
	principal, err := h.auth.ParsePrincipal(p.Token)
	if err != nil {
		return commonauth.Principal{}, authFailureReason(err), err
	}
	_ = conn.SetReadDeadline(time.Time{})
	return principal, "", nil
}

func (h *Handler) serve(c *gin.Context, conn *websocket.Conn, principal commonauth.Principal) {
	client := service.NewClient(domain.Identity{
		UserID:    principal.UserID,
		Email:     principal.Email,
		Role:      domain.Role(principal.Role),
		CompanyID: principal.CompanyID,
	}, conn, h.cfg.Client)
	h.manager.Serve(c.Request.Context(), client)
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, commonauth.ErrMissingToken):
		return "missing_token"
	case errors.Is(err, commonauth.ErrMissingUser):
		return "missing_user"
	case errors.Is(err, commonauth.ErrInvalidRole):
		return "invalid_role"
	default:
		return "invalid_token"
	}
}

// originChecker allows every origin when allowed is empty or contains "*".
// Requests without an Origin header (non-browser clients) are always allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := map[string]struct{}{}
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			set[origin] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

func (h *Handler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Stats())
}

type eventRequest struct {
	Event         string          `json:"event"`
	Data          json.RawMessage `json:"data"`
	ExcludeUserID string          `json:"exclude_user_id"`
}

func (h *Handler) sendToUser(c *gin.Context) {
	h.dispatch(c, service.TargetUser, c.Param("id"))
}

func (h *Handler) broadcastToRoom(c *gin.Context) {
	h.dispatch(c, service.TargetRoom, c.Param("id"))
}

func (h *Handler) broadcastToCompany(c *gin.Context) {
	companyID := strings.TrimSpace(c.Param("id"))
	actor, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	if actor.role != string(domain.RoleAdmin) && actor.companyID != companyID {
		c.JSON(http.StatusForbidden, httpresp.NewErrorResponse(httpresp.ErrOtherCompany))
		return
	}
	h.dispatch(c, service.TargetCompany, companyID)
}

func (h *Handler) broadcastToRole(c *gin.Context) {
	role := strings.TrimSpace(c.Param("role"))
	if !domain.Role(role).Valid() {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrUnknownRole))
		return
	}
	h.dispatch(c, service.TargetRole, role)
}

func (h *Handler) broadcastToAll(c *gin.Context) {
	h.dispatch(c, service.TargetAll, "")
}

func (h *Handler) dispatch(c *gin.Context, target service.DispatchTarget, id string) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	if strings.TrimSpace(req.Event) == "" {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrEventRequired))
		return
	}
	d := service.Dispatch{
		Target: target,
		ID:     strings.TrimSpace(id),
		Event:  strings.TrimSpace(req.Event),
		Data:   req.Data,
	}
	if target == service.TargetRoom {
		d.ExcludeUserID = strings.TrimSpace(req.ExcludeUserID)
	}
	res, err := h.dispatcher.Dispatch(c.Request.Context(), d)
	if err != nil {
		if errors.Is(err, service.ErrInvalidDispatch) {
			c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
			return
		}
		commonlog.Errorf("event=realtime_api action=dispatch status=failed target=%s id=%s error=%v", target, d.ID, err)
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, httpresp.NewDispatchResponse(res.Delivered, res.Relayed))
}

// disconnectUser only reaches connections held by this process.
func (h *Handler) disconnectUser(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("id"))
	if !h.manager.DisconnectUser(userID) {
		c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrConnectionNotFound))
		return
	}
	c.JSON(http.StatusOK, httpresp.NewOKResponse())
}

type actor struct {
	userID    string
	companyID string
	role      string
}

func actorFromContext(c *gin.Context) (actor, error) {
	var a actor
	for key, dest := range map[string]*string{
		middleware.ContextUserID:    &a.userID,
		middleware.ContextCompanyID: &a.companyID,
		middleware.ContextRole:      &a.role,
	} {
		raw, ok := c.Get(key)
		if !ok {
			return actor{}, http.ErrNoCookie
		}
		value, ok := raw.(string)
		if !ok {
			return actor{}, http.ErrNoCookie
		}
		*dest = strings.TrimSpace(value)
	}
	if a.userID == "" || a.role == "" {
		return actor{}, http.ErrNoCookie
	}
	return a, nil
}
