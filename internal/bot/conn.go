package bot

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"

	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/lemmy"
)

const (
	dialTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
	maxFrameSize = 1 << 22
)

// transport is the runtime's view of the websocket connection; narrowed so
// tests can substitute an in-memory pipe.
type transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type dialFunc func(ctx context.Context, url string) (transport, error)

type wsTransport struct {
	conn *websocket.Conn
}

func dialWebsocket(ctx context.Context, url string) (transport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "shutting down")
}

// endpointURLs returns the dial candidates for one connect cycle: the
// preferred transport variant first, the other as the one fallback.
func (b *Bot) endpointURLs() []string {
	secure := "wss://" + b.cfg.Instance + "/api/v3/ws"
	insecure := "ws://" + b.cfg.Instance + "/api/v3/ws"
	if b.cfg.Connection.Secure != nil && !*b.cfg.Connection.Secure {
		return []string{insecure, secure}
	}
	return []string{secure, insecure}
}

// connect runs one connect cycle: dial the preferred variant, toggle to
// the other exactly once, and on success wire up the read loop and the
// category checkers.
func (b *Bot) connect() {
	b.mu.Lock()
	if b.closing || b.state != StateDisconnected {
		b.mu.Unlock()
		return
	}
	b.state = StateConnecting
	rootCtx := b.rootCtx
	b.mu.Unlock()

	var conn transport
	var lastErr error
	for _, url := range b.endpointURLs() {
		dialCtx, cancel := context.WithTimeout(rootCtx, dialTimeout)
		candidate, err := b.dial(dialCtx, url)
		cancel()
		if err == nil {
			b.log.Printf("connected to %s", url)
			conn = candidate
			break
		}
		lastErr = err
		b.log.Printf("dial %s failed: %v", url, err)
	}
	if conn == nil {
		b.mu.Lock()
		b.state = StateDisconnected
		b.mu.Unlock()
		if b.onConnectFailure != nil {
			b.onConnectFailure(lastErr)
		}
		b.scheduleReconnect()
		return
	}

	b.mu.Lock()
	if b.closing || rootCtx.Err() != nil {
		// Stop won the race against the dial.
		b.mu.Unlock()
		_ = conn.Close()
		return
	}
	b.conn = conn
	b.state = StateConnected
	epochCtx, epochCancel := context.WithCancel(rootCtx)
	b.epochCancel = epochCancel
	hasCredentials := !b.cfg.Credentials.IsZero()
	b.mu.Unlock()

	go b.readLoop(epochCtx, conn)
	if hasCredentials {
		b.login(epochCtx)
	}
	b.startCheckers(epochCtx)
}

// scheduleReconnect arms the single backoff timer. Deliberately a fixed
// low-frequency delay, not exponential.
func (b *Bot) scheduleReconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing || !b.started || b.reconnectTimer != nil {
		return
	}
	b.log.Printf("reconnecting in %s", b.reconnectBackoff)
	b.reconnectTimer = time.AfterFunc(b.reconnectBackoff, func() {
		b.mu.Lock()
		b.reconnectTimer = nil
		b.mu.Unlock()
		b.connect()
	})
}

// handleDisconnect reacts to the transport dropping out from under the
// read loop.
func (b *Bot) handleDisconnect(conn transport, err error) {
	b.mu.Lock()
	if b.conn != conn {
		// A newer connection already replaced this one.
		b.mu.Unlock()
		return
	}
	b.conn = nil
	closing := b.closing
	if !closing {
		b.state = StateDisconnected
	}
	b.authToken = ""
	b.loginInFlight = false
	epochCancel := b.epochCancel
	b.epochCancel = nil
	b.mu.Unlock()

	if epochCancel != nil {
		epochCancel()
	}
	if closing {
		return
	}
	b.log.Printf("connection lost: %v", err)
	b.scheduleReconnect()
}

func (b *Bot) readLoop(ctx context.Context, conn transport) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			b.handleDisconnect(conn, err)
			return
		}
		frame, err := lemmy.DecodeFrame(data)
		if err != nil {
			// Malformed frames are logged and otherwise ignored.
			b.log.Printf("discarding unparseable frame: %v", err)
			continue
		}
		b.route(ctx, frame)
	}
}

// route fans an inbound frame out by its response tag.
func (b *Bot) route(ctx context.Context, frame lemmy.Frame) {
	if frame.Error != "" {
		b.routeError(ctx, frame.Error)
		return
	}
	switch {
	case frame.Op == lemmy.OpLogin:
		b.handleLoginResponse(frame)
	case frame.Op == lemmy.OpSearch:
		resp, err := lemmy.DecodeSearchResponse(frame.Data)
		if err != nil {
			b.log.Printf("discarding search response: %v", err)
			return
		}
		b.pending.resolveAll(resp, b.cfg.Instance)
	default:
		if category, ok := lemmy.SingleCategoryForOp(frame.Op); ok {
			entry, err := category.DecodeSingle(frame.Data)
			if err != nil {
				b.log.Printf("discarding %s response: %v", frame.Op, err)
				return
			}
			b.pending.deliver(category, entry)
			return
		}
		categories := lemmy.CategoriesForOp(frame.Op)
		if len(categories) == 0 {
			b.log.Printf("ignoring frame with unknown op %q", frame.Op)
			return
		}
		for _, category := range categories {
			if _, ok := b.handlers[category]; !ok {
				continue
			}
			entries, err := category.DecodeList(frame.Data)
			if err != nil {
				b.log.Printf("discarding %s list: %v", category, err)
				continue
			}
			if len(entries) == 0 {
				continue
			}
			go func(category lemmy.Category, entries []lemmy.Entry) {
				if err := b.dispatchBatch(ctx, category, entries); err != nil {
					b.log.Printf("dispatch %s batch: %v", category, err)
				}
			}(category, entries)
		}
	}
}

func (b *Bot) routeError(ctx context.Context, code string) {
	switch {
	case lemmy.IsBadCredentials(code):
		b.fail(ErrBadCredentials)
	case lemmy.IsSessionExpired(code):
		// Session expiry is recovered by logging in again without
		// touching the connection.
		b.mu.Lock()
		b.authToken = ""
		b.loginInFlight = false
		if b.state == StateAuthenticated {
			b.state = StateConnected
		}
		b.mu.Unlock()
		b.log.Printf("session expired; logging in again")
		b.login(ctx)
	default:
		b.log.Printf("service error %q ignored", code)
	}
}

// login issues a Login frame unless one is already awaiting a reply.
func (b *Bot) login(ctx context.Context) {
	b.mu.Lock()
	if b.loginInFlight || b.cfg.Credentials.IsZero() {
		b.mu.Unlock()
		return
	}
	b.loginInFlight = true
	b.mu.Unlock()

	frame, err := lemmy.EncodeLogin(b.cfg.Credentials.Username, b.cfg.Credentials.Password)
	if err != nil {
		b.clearLoginInFlight()
		b.log.Printf("encode login: %v", err)
		return
	}
	if err := b.send(ctx, frame); err != nil {
		b.clearLoginInFlight()
		b.log.Printf("send login: %v", err)
	}
}

func (b *Bot) clearLoginInFlight() {
	b.mu.Lock()
	b.loginInFlight = false
	b.mu.Unlock()
}

func (b *Bot) handleLoginResponse(frame lemmy.Frame) {
	resp, err := lemmy.DecodeLoginResponse(frame.Data)
	if err != nil {
		b.clearLoginInFlight()
		b.log.Printf("login failed: %v", err)
		return
	}
	b.mu.Lock()
	b.authToken = resp.JWT
	b.loginInFlight = false
	if b.state == StateConnected {
		b.state = StateAuthenticated
	}
	b.mu.Unlock()
	if expiry, ok := tokenExpiry(resp.JWT); ok {
		b.log.Printf("logged in; session token expires %s", expiry.Format(time.RFC3339))
	} else {
		b.log.Printf("logged in")
	}
}

// tokenExpiry decodes the session JWT without verifying it, purely to
// surface the expiry in logs.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return time.Time{}, false
	}
	return expiry.Time, true
}

// send writes one frame. Sends are fire-and-forget; callers needing a
// reply go through the correlator.
func (b *Bot) send(ctx context.Context, data []byte) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	return conn.Write(ctx, data)
}

func (b *Bot) connectionSnapshot() (state ConnState, authed bool, hasCredentials bool, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.authToken != "", !b.cfg.Credentials.IsZero(), b.authToken
}
