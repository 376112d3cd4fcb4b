package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"stand/cmd/internal/pairing"
	v1 "stand/shared/contracts/pairing/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "stand.pairing.v1"

	wsDefaultSendQueueSize = 64
	wsMinSendQueueSize     = 8

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - A present Origin header must match the allowlist.
	// - A missing Origin is allowed by default: the mobile app's websocket
	//   stack sends none. Set STAND_WS_ORIGIN_REQUIRED=true to lock the
	//   endpoint down to browser-only deployments.
	wsDefaultOriginRequired = false
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway is the WebSocket entrypoint for the pairing rendezvous.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, and drives the per-session state machine in the registry.
// The gateway never interprets relayed tokens; it moves opaque bytes from
// the authenticated mobile to the waiting browser.
type Gateway struct {
	log *slog.Logger
	reg *pairing.Registry
	sup *Supervisor

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default; cross-origin requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway and registers itself as the registry's
// expiry/failure notifier. When reg/sup are nil, defaults are built for dev.
func NewGateway(log *slog.Logger, reg *pairing.Registry, sup *Supervisor) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if reg == nil {
		reg = pairing.NewRegistry(log, pairing.DefaultConfig(), nil)
	}
	if sup == nil {
		sup = NewSupervisor(log, maxConnections, idleTimeout, idleScan)
	}

	g := &Gateway{log: log, reg: reg, sup: sup}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("STAND_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("STAND_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("STAND_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("STAND_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("STAND_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("STAND_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("STAND_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("STAND_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("STAND_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("STAND_WS_RATE_WINDOW", rateLimitWindow)

	reg.SetNotifier(g.onNotice)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the pairing loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if !g.sup.Acquire() {
		g.log.Info("ws.reject.full", "remote", r.RemoteAddr)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.sup.release()
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.sup.release()
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID, err := NewConnID(time.Now().UTC())
	if err != nil {
		g.sup.release()
		g.log.Error("ws.conn_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "id generation failed")
		return
	}

	client := NewClient(connID, g.sendQueueSize)
	g.sup.Register(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Unblock the read loop when the supervisor (or anything else) closes the client.
	go func() {
		select {
		case <-ctx.Done():
		case <-client.Done():
			cancel()
		}
	}()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.sup.Unregister(client.ID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case msg := <-client.Send:
				if err := writeMessage(ctx, conn, msg, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", client.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", client.ID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
				g.sup.Touch(client.ID, time.Now().UTC())
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		msg, err := readMessage(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendFailed(client, "", v1.ReasonMalformedEvent)
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", client.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		g.sup.Touch(client.ID, now)

		if !rl.Allow(now) {
			g.trySendFailed(client, client.PairingID, v1.ReasonRateLimited)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := msg.Validate(); err != nil {
			g.onMalformed(client, msg, now)
			continue readLoop
		}

		metricEvents.WithLabelValues(msg.Event).Inc()

		switch msg.Event {
		case v1.EventCreate:
			g.onCreate(client, now)
		case v1.EventResume:
			g.onResume(client, msg, now)
		case v1.EventSubscribe:
			g.onSubscribe(client, msg, now)
		case v1.EventAuth:
			g.onAuth(client, msg, now)
		default:
			// Server-to-client events are valid frames but never accepted inbound.
			g.trySendFailed(client, "", v1.ReasonMalformedEvent)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

// onCreate opens a pairing session for a browser connection.
func (g *Gateway) onCreate(client *Client, now time.Time) {
	if client.Role() == RoleMobile || client.PairingID != "" {
		g.trySendFailed(client, client.PairingID, v1.ReasonConflict)
		return
	}

	s, err := g.reg.Create(now, client.ID)
	if err != nil {
		g.log.Error("pairing.create.fail", "conn_id", client.ID, "err", err)
		g.trySendFailed(client, "", v1.ReasonInternal)
		return
	}

	client.SetRole(RoleBrowser)
	client.PairingID = s.ID

	if !g.enqueue(client, v1.Message{Event: v1.EventCreated, ID: s.ID}) {
		// The browser never learns the id, so nothing can ever pair against it.
		g.reg.Evict(s.ID)
		g.log.Info("pairing.create.backpressure", "conn_id", client.ID, "pairing_id", s.ID)
	}
}

// onResume rebinds a reconnecting browser and flushes a buffered token if one
// arrived while it was away.
func (g *Gateway) onResume(client *Client, msg v1.Message, now time.Time) {
	if client.Role() == RoleMobile {
		g.trySendFailed(client, "", v1.ReasonConflict)
		return
	}

	id := strings.TrimSpace(msg.Data.UUID)
	snap, err := g.reg.Resume(id, now, client.ID)
	if err != nil {
		g.trySendFailed(client, id, failureReason(err))
		return
	}

	client.SetRole(RoleBrowser)
	client.PairingID = id

	if !g.enqueue(client, v1.Message{Event: v1.EventResumed, ID: id}) {
		return
	}

	if snap.State == pairing.StateAuthenticated && !snap.Delivered {
		if g.enqueue(client, v1.Message{Event: v1.EventAuthOK, Token: snap.Token}) {
			if _, err := g.reg.MarkDelivered(id, now); err == nil {
				metricRelay.WithLabelValues(relayResumed).Inc()
				g.log.Info("pairing.relay", "pairing_id", id, "path", relayResumed)
			}
		}
	}
}

// onSubscribe binds a mobile scan candidate: AWAITING_SCAN -> AWAITING_AUTH.
// Unknown or expired codes get an explicit rejection, never a silent drop,
// so the device can show "code expired".
func (g *Gateway) onSubscribe(client *Client, msg v1.Message, now time.Time) {
	if client.Role() == RoleBrowser {
		g.trySendFailed(client, "", v1.ReasonConflict)
		return
	}

	id := strings.TrimSpace(msg.Data.UUID)
	if _, err := g.reg.BindMobile(id, now, client.ID); err != nil {
		g.trySendFailed(client, id, failureReason(err))
		return
	}

	client.SetRole(RoleMobile)
	client.PairingID = id
	g.enqueue(client, v1.Message{Event: v1.EventSubscribed, ID: id})
}

// onAuth performs the compare-and-set to AUTHENTICATED and relays the token.
//
// The shipped mobile app sends AUTH without a prior SUBSCRIBE, so a conflict
// from AWAITING_AUTH falls back to the implicit-scan path from AWAITING_SCAN.
// Exactly one AUTH can ever win; replays and losers observe their own
// distinct failure reasons and no second relay happens.
func (g *Gateway) onAuth(client *Client, msg v1.Message, now time.Time) {
	if client.Role() == RoleBrowser {
		g.trySendFailed(client, "", v1.ReasonConflict)
		return
	}
	client.SetRole(RoleMobile)

	id := strings.TrimSpace(msg.Data.UUID)
	token := strings.TrimSpace(msg.Data.Token)

	mut := func(s *pairing.Session) {
		s.Token = token
		s.MobileConnID = client.ID
	}

	snap, err := g.reg.Transition(id, now, pairing.StateAwaitingAuth, pairing.StateAuthenticated, mut)
	if errors.Is(err, pairing.ErrConflict) && snap.State == pairing.StateAwaitingScan {
		snap, err = g.reg.Transition(id, now, pairing.StateAwaitingScan, pairing.StateAuthenticated, mut)
	}
	if err != nil {
		g.trySendFailed(client, id, failureReason(err))
		return
	}

	client.PairingID = id

	if browser := g.sup.Get(snap.BrowserConnID); browser != nil && g.enqueue(browser, v1.Message{Event: v1.EventAuthOK, Token: token}) {
		if _, err := g.reg.MarkDelivered(id, now); err != nil {
			g.log.Error("pairing.deliver.fail", "pairing_id", id, "err", err)
		}
		metricRelay.WithLabelValues(relayDelivered).Inc()
		g.log.Info("pairing.relay", "pairing_id", id, "path", relayDelivered)
	} else {
		// Browser briefly away: the token stays buffered until the grace
		// deadline, then the registry fails the session closed.
		metricRelay.WithLabelValues(relayBuffered).Inc()
		g.log.Info("pairing.relay", "pairing_id", id, "path", relayBuffered)
	}

	g.enqueue(client, v1.Message{Event: v1.EventAuthAck, ID: id})
}

// onMalformed reports a schema violation, and burns the session's single AUTH
// attempt when the broken frame names one.
func (g *Gateway) onMalformed(client *Client, msg v1.Message, now time.Time) {
	id := ""
	if msg.Data != nil {
		id = strings.TrimSpace(msg.Data.UUID)
	}

	if msg.Event == v1.EventAuth && id != "" {
		if _, err := g.reg.Fail(id, now, v1.ReasonMalformedEvent); err == nil {
			g.log.Info("pairing.auth.malformed", "pairing_id", id, "conn_id", client.ID)
		}
	}

	g.trySendFailed(client, id, v1.ReasonMalformedEvent)
}

// onNotice pushes registry-driven expiry/failure to a still-connected browser.
func (g *Gateway) onNotice(n pairing.Notice) {
	c := g.sup.Get(n.BrowserConnID)
	if c == nil {
		return
	}

	switch n.Event {
	case pairing.NoticeExpired:
		g.enqueue(c, v1.Message{Event: v1.EventExpired, ID: n.PairingID})
	case pairing.NoticeFailed:
		g.enqueue(c, v1.Message{Event: v1.EventFailed, ID: n.PairingID, Reason: n.Reason})
	}
}

// ---- send helpers ----

func (g *Gateway) trySendFailed(client *Client, id, reason string) {
	_ = g.enqueue(client, v1.Message{Event: v1.EventFailed, ID: id, Reason: reason})
}

func (g *Gateway) enqueue(client *Client, msg v1.Message) bool {
	select {
	case <-client.Done():
		return false
	case client.Send <- msg:
		return true
	default:
		return false
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, pairing.ErrNotFound):
		return v1.ReasonNotFound
	case errors.Is(err, pairing.ErrExpired):
		return v1.ReasonExpired
	case errors.Is(err, pairing.ErrAlreadyAuthenticated):
		return v1.ReasonAlreadyAuthenticated
	case errors.Is(err, pairing.ErrBrowserGone):
		return v1.ReasonBrowserGone
	case errors.Is(err, pairing.ErrConflict):
		return v1.ReasonConflict
	default:
		return v1.ReasonInternal
	}
}

// ---- message IO ----

func readMessage(ctx context.Context, conn *websocket.Conn) (v1.Message, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Message{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Message{}, errors.New("unsupported message type")
	}
	var msg v1.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return v1.Message{}, err
	}
	return msg, nil
}

func writeMessage(parent context.Context, conn *websocket.Conn, msg v1.Message, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors come from json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return errors.New("origin not allowed: " + origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host.
	// Keep it strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
