package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"motochat/internal/ratelimit"
	"motochat/internal/util"
	"motochat/pkg/domain"
	"motochat/services/messaging/internal/security"
)

const authorizeTimeout = 5 * time.Second

// PrincipalVerifier turns a bearer credential into a principal.
type PrincipalVerifier interface {
	VerifyPrincipal(ctx context.Context, token string) (domain.Principal, error)
}

// Authorizer answers the gateway's access questions.
type Authorizer interface {
	AuthorizeJoin(ctx context.Context, p domain.Principal, conversationID string) error
	ConversationPeers(ctx context.Context, userID string) ([]string, error)
}

// GatewayConfig wires the socket endpoint.
type GatewayConfig struct {
	Hub            *Hub
	Verifier       PrincipalVerifier
	Authorizer     Authorizer
	ConnectLimiter ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
	AllowedOrigins util.Origins
	Alerter        *security.AuditAlerter
}

// Gateway serves GET /ws. Credentials are verified before the upgrade, so a
// rejected caller never touches the hub.
type Gateway struct {
	hub        *Hub
	verifier   PrincipalVerifier
	authorizer Authorizer
	limiter    ratelimit.Limiter
	proxies    *util.TrustedProxies
	alerter    *security.AuditAlerter
	upgrader   websocket.Upgrader
	presence   presenceLocks
}

// presenceLocks serializes each user's registration changes with the
// presence update they produce, so peers see them in the same order.
type presenceLocks struct {
	stripes [64]sync.Mutex
}

func (p *presenceLocks) lock(userID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	mu := &p.stripes[h.Sum32()%uint32(len(p.stripes))]
	mu.Lock()
	return mu.Unlock
}

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Hub == nil || cfg.Verifier == nil || cfg.Authorizer == nil {
		return nil, errors.New("gateway requires hub, verifier and authorizer")
	}
	g := &Gateway{
		hub:        cfg.Hub,
		verifier:   cfg.Verifier,
		authorizer: cfg.Authorizer,
		limiter:    cfg.ConnectLimiter,
		proxies:    cfg.TrustedProxies,
		alerter:    cfg.Alerter,
	}
	origins := cfg.AllowedOrigins
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return sameOrigin(r)
			}
			return origins.Allowed(r.Header.Get("Origin"))
		},
	}
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeHTTPError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ip := util.ClientIP(r, g.proxies)
	logger := util.LoggerFromContext(r.Context())
	if g.limiter != nil {
		if d := g.limiter.Allow(r.Context(), "ws|"+ip); !d.Allowed {
			logger.Warn("security_event", "event", "socket.connect", "outcome", "rate_limited", "ip", ip)
			g.observe(r, logger, "rate_limited", ip)
			w.Header().Set("Retry-After", retryAfterSeconds(d.RetryAfter))
			writeHTTPError(w, http.StatusTooManyRequests, "too many connection attempts")
			return
		}
	}
	token := socketToken(r)
	if token == "" {
		logger.Warn("security_event", "event", "socket.connect", "outcome", "fail", "reason", "missing_token", "ip", ip)
		g.observe(r, logger, "fail", ip)
		writeHTTPError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	principal, err := g.verifier.VerifyPrincipal(r.Context(), token)
	if err != nil {
		logger.Warn("security_event", "event", "socket.connect", "outcome", "fail", "reason", "invalid_token", "ip", ip, "err", err)
		g.observe(r, logger, "fail", ip)
		writeHTTPError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		logger.Warn("socket_upgrade_failed", "user_id", principal.UserID, "err", err)
		return
	}
	conn := newConn(principal, ws)
	logger = logger.With("user_id", principal.UserID, "conn_id", conn.ID)
	logger.Info("security_event", "event", "socket.connect", "outcome", "success", "role", string(principal.Role), "ip", ip)

	unlock := g.presence.lock(principal.UserID)
	first := g.hub.Register(conn)
	go conn.writeLoop()
	g.announce(conn, first)
	unlock()

	g.readLoop(conn, logger)

	unlock = g.presence.lock(principal.UserID)
	last := g.hub.Unregister(conn)
	if last {
		g.broadcastPresence(principal.UserID, false)
	}
	unlock()
	conn.Close(websocket.CloseNormalClosure, "")
	logger.Info("security_event", "event", "socket.disconnect", "outcome", "success")
}

// observe feeds a failed connect into the alerter.
func (g *Gateway) observe(r *http.Request, logger *slog.Logger, outcome, ip string) {
	result, err := g.alerter.Observe(r.Context(), "socket.connect", outcome, ip)
	if err != nil {
		logger.Warn("security_alert_observe_failed", "event", "socket.connect", "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert", "event", "socket.connect", "outcome", outcome, "ip", ip,
			"count", result.Count, "threshold", result.Threshold, "window", result.Window.String())
	}
}

// announce tells peers the user came online and sends the new connection the
// list of peers currently online.
func (g *Gateway) announce(c *Conn, first bool) {
	peers := g.peers(c.Principal.UserID)
	if first {
		for _, peer := range peers {
			g.hub.EmitToUser(peer, EventPresenceUpdate, presencePayload{UserID: c.Principal.UserID, Online: true})
		}
	}
	g.reply(c, EventOnlineUsers, onlineUsersPayload{UserIDs: g.hub.OnlineAmong(peers)})
}

func (g *Gateway) broadcastPresence(userID string, online bool) {
	for _, peer := range g.peers(userID) {
		g.hub.EmitToUser(peer, EventPresenceUpdate, presencePayload{UserID: userID, Online: online})
	}
}

func (g *Gateway) peers(userID string) []string {
	ctx, cancel := context.WithTimeout(context.Background(), authorizeTimeout)
	defer cancel()
	peers, err := g.authorizer.ConversationPeers(ctx, userID)
	if err != nil {
		slog.Warn("presence_peers_failed", "user_id", userID, "err", err)
		return nil
	}
	return peers
}

func (g *Gateway) readLoop(c *Conn, logger *slog.Logger) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Warn("socket_read_failed", "err", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.reply(c, EventError, errorPayload{Message: "invalid frame"})
			continue
		}
		var ref conversationRef
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &ref); err != nil {
				g.reply(c, EventError, errorPayload{Message: "invalid payload", Event: env.Type})
				continue
			}
		}
		ref.ConversationID = strings.TrimSpace(ref.ConversationID)
		switch env.Type {
		case EventJoinConversation:
			g.handleJoin(c, ref.ConversationID)
		case EventLeaveConversation:
			if ref.ConversationID != "" {
				g.hub.Leave(ref.ConversationID, c)
			}
		case EventTypingStart, EventTypingStop:
			g.handleTyping(c, env.Type, ref.ConversationID)
		default:
			g.reply(c, EventError, errorPayload{Message: "unsupported event", Event: env.Type})
		}
	}
}

func (g *Gateway) handleJoin(c *Conn, conversationID string) {
	if conversationID == "" {
		g.reply(c, EventError, errorPayload{Message: "conversationId required", Event: EventJoinConversation})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), authorizeTimeout)
	defer cancel()
	if err := g.authorizer.AuthorizeJoin(ctx, c.Principal, conversationID); err != nil {
		g.reply(c, EventError, errorPayload{Message: err.Error(), Event: EventJoinConversation})
		return
	}
	g.hub.Join(conversationID, c)
	g.reply(c, EventJoined, conversationRef{ConversationID: conversationID})
}

// handleTyping relays typing to the room's other users. The connection must
// have joined the room; nothing is persisted.
func (g *Gateway) handleTyping(c *Conn, event, conversationID string) {
	if conversationID == "" || !g.hub.InRoom(conversationID, c) {
		g.reply(c, EventError, errorPayload{Message: "join the conversation first", Event: event})
		return
	}
	g.hub.EmitToConversationExcept(conversationID, c.Principal.UserID, event, typingPayload{
		ConversationID: conversationID,
		UserID:         c.Principal.UserID,
	})
}

// reply writes directly to one connection, bypassing the fanout.
func (g *Gateway) reply(c *Conn, event string, payload any) {
	frame, err := encode(event, payload)
	if err != nil {
		slog.Error("realtime_encode_failed", "event", event, "err", err)
		return
	}
	c.Send(frame)
}

func socketToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return util.Origins{"http://" + r.Host, "https://" + r.Host}.Allowed(origin)
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func writeHTTPError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
