// Package gateway bridges browser viewers onto relay sessions. Each
// websocket connection becomes a requester: the gateway negotiates on its
// behalf, streams the host's frames down and forwards input back up.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/deskrelay/deskrelay/internal/controlrelay"
	"github.com/deskrelay/deskrelay/internal/coordinator"
	"github.com/deskrelay/deskrelay/internal/framerelay"
	"github.com/deskrelay/deskrelay/internal/registry"
	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/deskrelay/deskrelay/pkg/apierror"
	"github.com/deskrelay/deskrelay/pkg/observability"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultPresenceTTL      = 60 * time.Second
	defaultPresenceInterval = 20 * time.Second
	writeWait               = 10 * time.Second
	pongWait                = 70 * time.Second
	pingPeriod              = 25 * time.Second
	maxInputMessage         = 4 << 10
)

// Session is the accepted client side of a relay session.
type Session interface {
	Host() session.Code
	Code() session.Code
	Permissions() session.PermissionSet
	Frames() (*framerelay.Subscription, error)
	Send(ctx context.Context, ev controlrelay.Event) error
	Close(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
}

// Connector requests access to a host and blocks until it decides.
type Connector interface {
	Connect(ctx context.Context, host session.Code) (Session, error)
}

type clientConnector struct{ c *coordinator.Client }

func (c clientConnector) Connect(ctx context.Context, host session.Code) (Session, error) {
	cs, err := c.c.Connect(ctx, host)
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// FromClient adapts a coordinator client to Connector.
func FromClient(c *coordinator.Client) Connector { return clientConnector{c: c} }

// Lookup resolves a code to its directory entry.
type Lookup interface {
	Lookup(ctx context.Context, code session.Code) (registry.Record, bool, error)
}

// presenceStore is the subset of *redis.Client used to advertise which
// gateway instance serves a viewer.
type presenceStore interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Bridge struct {
	instanceID string
	logger     zerolog.Logger
	metrics    *observability.Metrics
	connector  Connector
	lookup     Lookup
	presence   presenceStore
	upgrader   websocket.Upgrader

	presenceTTL      time.Duration
	presenceInterval time.Duration

	mu      sync.RWMutex
	viewers map[session.Code]map[*viewer]struct{}
}

type viewer struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	cancel context.CancelFunc
	reason string
}

// NewBridge builds a bridge. presence may be nil when no Redis is configured.
func NewBridge(instanceID string, logger zerolog.Logger, metrics *observability.Metrics, connector Connector, lookup Lookup, presence presenceStore) *Bridge {
	if metrics == nil {
		metrics = observability.Discard
	}
	return &Bridge{
		instanceID:       instanceID,
		logger:           logger,
		metrics:          metrics,
		connector:        connector,
		lookup:           lookup,
		presence:         presence,
		upgrader:         websocket.Upgrader{ReadBufferSize: 4 << 10, WriteBufferSize: 64 << 10},
		presenceTTL:      defaultPresenceTTL,
		presenceInterval: defaultPresenceInterval,
		viewers:          make(map[session.Code]map[*viewer]struct{}),
	}
}

func (b *Bridge) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sessions/{code}", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			apierror.MethodNotAllowed(w)
			return
		}
		code := session.Code(r.PathValue("code"))
		rec, ok, err := b.lookup.Lookup(r.Context(), code)
		if err != nil {
			b.logger.Error().Err(err).Str("code", code.String()).Msg("lookup code")
			apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "lookup failed")
			return
		}
		if !ok {
			apierror.Write(w, http.StatusNotFound, apierror.CodeUnknownCode, "no session with that code")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rec)
	})

	mux.HandleFunc("/v1/connect/{code}", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			apierror.MethodNotAllowed(w)
			return
		}
		code := session.Code(r.PathValue("code"))
		if code == "" {
			apierror.Write(w, http.StatusBadRequest, apierror.CodeValidationFailed, "code is required")
			return
		}
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Error().Err(err).Str("code", code.String()).Msg("upgrade websocket")
			return
		}
		b.handleConnection(context.WithoutCancel(r.Context()), code, conn)
	})
}

func (b *Bridge) handleConnection(parent context.Context, host session.Code, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	v := &viewer{conn: conn, cancel: cancel}
	logger := b.logger.With().Str("code", host.String()).Logger()
	defer conn.Close()

	conn.SetReadLimit(maxInputMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// The read pump runs from the start so pongs and a browser close are
	// seen while the host is still deciding.
	inputs := make(chan []byte)
	go b.readPump(ctx, v, inputs)
	go b.pingLoop(ctx, v)

	if err := v.writeJSON(serverMessage{Type: msgPending, Host: host.String()}); err != nil {
		return
	}
	cs, err := b.connector.Connect(ctx, host)
	if err != nil {
		logger.Info().Err(err).Msg("viewer not admitted")
		_ = v.writeJSON(serverMessage{Type: msgError, Host: host.String(), Reason: err.Error()})
		v.close(websocket.ClosePolicyViolation, "not admitted")
		return
	}
	defer cs.Close(context.Background())

	perms := cs.Permissions()
	logger = logger.With().Str("requester", cs.Code().String()).Logger()
	b.track(host, v)
	defer b.untrack(host, v)
	b.metrics.ViewersConnected.Add(1)
	b.startPresence(ctx, host, cs.Code(), logger)

	if err := v.writeJSON(serverMessage{Type: msgAccepted, Host: host.String(), Requester: cs.Code().String(), Permissions: &perms}); err != nil {
		return
	}
	logger.Info().Interface("permissions", perms).Msg("viewer connected")

	if perms.ScreenShare {
		frames, err := cs.Frames()
		if err != nil {
			logger.Warn().Err(err).Msg("subscribe frames")
		} else {
			go b.framePump(ctx, v, frames, logger)
		}
	}

	for {
		select {
		case <-ctx.Done():
			v.close(websocket.CloseGoingAway, v.closeReason())
			return
		case <-cs.Done():
			reason := "host stopped"
			if err := cs.Err(); err != nil {
				reason = err.Error()
			}
			_ = v.writeJSON(serverMessage{Type: msgStopped, Host: host.String(), Reason: reason})
			v.close(websocket.CloseNormalClosure, "session stopped")
			return
		case raw, ok := <-inputs:
			if !ok {
				return
			}
			ev, err := decodeInput(raw)
			if err != nil {
				logger.Debug().Err(err).Msg("ignoring viewer input")
				continue
			}
			if err := cs.Send(ctx, ev); err != nil {
				logger.Warn().Err(err).Msg("forward viewer input")
			}
		}
	}
}

func (b *Bridge) readPump(ctx context.Context, v *viewer, inputs chan<- []byte) {
	defer close(inputs)
	defer v.cancel()
	for {
		typ, payload, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Debug().Err(err).Msg("viewer read")
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		select {
		case inputs <- payload:
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) pingLoop(ctx context.Context, v *viewer) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.mu.Lock()
			err := v.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait))
			v.mu.Unlock()
			if err != nil {
				v.cancel()
				return
			}
		}
	}
}

func (b *Bridge) framePump(ctx context.Context, v *viewer, frames *framerelay.Subscription, logger zerolog.Logger) {
	defer frames.Close()
	for {
		u, err := frames.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Debug().Err(err).Msg("frame subscription ended")
			}
			return
		}
		if u.Empty {
			if err := v.writeJSON(serverMessage{Type: msgBlank}); err != nil {
				v.cancel()
				return
			}
			continue
		}
		capturedAt := u.Frame.CapturedAt
		if err := v.writeFrame(serverMessage{Type: msgFrame, Seq: u.Seq, ContentType: u.Frame.ContentType, CapturedAt: &capturedAt}, u.Frame.Data); err != nil {
			v.cancel()
			return
		}
	}
}

func (v *viewer) writeJSON(msg serverMessage) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return v.conn.WriteJSON(msg)
}

// writeFrame sends the header and image back to back so no other message
// can land between them.
func (v *viewer) writeFrame(header serverMessage, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := v.conn.WriteJSON(header); err != nil {
		return err
	}
	return v.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (v *viewer) close(code int, text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_ = v.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

func (v *viewer) closeReason() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.reason == "" {
		return "viewer gone"
	}
	return v.reason
}

func (b *Bridge) track(host session.Code, v *viewer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.viewers[host]
	if !ok {
		set = make(map[*viewer]struct{})
		b.viewers[host] = set
	}
	set[v] = struct{}{}
}

func (b *Bridge) untrack(host session.Code, v *viewer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.viewers[host]
	delete(set, v)
	if len(set) == 0 {
		delete(b.viewers, host)
	}
}

// Viewers reports how many viewers this instance bridges to host.
func (b *Bridge) Viewers(host session.Code) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.viewers[host])
}

// DisconnectHost ends every viewer of host on this instance. It reports
// how many were disconnected.
func (b *Bridge) DisconnectHost(host session.Code, reason string) int {
	b.mu.RLock()
	set := make([]*viewer, 0, len(b.viewers[host]))
	for v := range b.viewers[host] {
		set = append(set, v)
	}
	b.mu.RUnlock()
	for _, v := range set {
		v.mu.Lock()
		v.reason = reason
		v.mu.Unlock()
		v.cancel()
	}
	return len(set)
}

func (b *Bridge) startPresence(ctx context.Context, host, requester session.Code, logger zerolog.Logger) {
	if b.presence == nil {
		return
	}
	key := presenceKey(host, requester)
	if err := b.presence.Set(ctx, key, b.instanceID, b.presenceTTL).Err(); err != nil {
		logger.Warn().Err(err).Msg("failed to set initial redis presence")
	}
	go func() {
		ticker := time.NewTicker(b.presenceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = b.presence.Del(context.Background(), key).Err()
				return
			case <-ticker.C:
				if err := b.presence.Set(ctx, key, b.instanceID, b.presenceTTL).Err(); err != nil {
					logger.Warn().Err(err).Msg("failed to refresh redis presence")
				}
			}
		}
	}()
}

func presenceKey(host, requester session.Code) string {
	return "deskrelay:gateway:viewer:" + host.String() + ":" + requester.String()
}

// DisconnectAll ends every bridged viewer, for shutdown.
func (b *Bridge) DisconnectAll(reason string) {
	b.mu.RLock()
	hosts := make([]session.Code, 0, len(b.viewers))
	for host := range b.viewers {
		hosts = append(hosts, host)
	}
	b.mu.RUnlock()
	for _, host := range hosts {
		b.DisconnectHost(host, reason)
	}
}
