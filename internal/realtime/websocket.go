package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

const (
	defaultHeartbeat     = 25 * time.Second
	defaultSchema        = "public"
	defaultMessagesTable = "chat_messages"
	defaultProgressTable = "lesson_progress"
	writeTimeout         = 10 * time.Second
	defaultRedials       = 5
	defaultRedialDelay   = 500 * time.Millisecond
	maxRedialDelay       = 10 * time.Second
)

// WebsocketFeed subscribes to Postgres changes through the managed
// backend's realtime websocket (Phoenix channels). Each subscription owns
// one connection and one channel.
type WebsocketFeed struct {
	endpoint      string
	apiKey        string
	accessToken   string
	schema        string
	messagesTable string
	progressTable string
	heartbeat     time.Duration
	redials       int
	redialDelay   time.Duration
	dialer        *websocket.Dialer
	logger        *slog.Logger
}

type WebsocketOption func(*WebsocketFeed)

func WithAccessToken(token string) WebsocketOption {
	return func(f *WebsocketFeed) {
		f.accessToken = token
	}
}

func WithHeartbeat(d time.Duration) WebsocketOption {
	return func(f *WebsocketFeed) {
		if d > 0 {
			f.heartbeat = d
		}
	}
}

// WithReconnect bounds how a dropped connection is re-established: up to
// attempts dials, starting at delay and doubling up to 10s. Zero attempts
// disables reconnecting.
func WithReconnect(attempts int, delay time.Duration) WebsocketOption {
	return func(f *WebsocketFeed) {
		if attempts >= 0 {
			f.redials = attempts
		}
		if delay > 0 {
			f.redialDelay = delay
		}
	}
}

func WithTables(messages, progress string) WebsocketOption {
	return func(f *WebsocketFeed) {
		if messages != "" {
			f.messagesTable = messages
		}
		if progress != "" {
			f.progressTable = progress
		}
	}
}

func WithDialer(d *websocket.Dialer) WebsocketOption {
	return func(f *WebsocketFeed) {
		if d != nil {
			f.dialer = d
		}
	}
}

func WithLogger(logger *slog.Logger) WebsocketOption {
	return func(f *WebsocketFeed) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewWebsocketFeed creates a feed for the realtime endpoint, e.g.
// wss://<project>.supabase.co/realtime/v1/websocket.
func NewWebsocketFeed(endpoint, apiKey string, opts ...WebsocketOption) *WebsocketFeed {
	f := &WebsocketFeed{
		endpoint:      endpoint,
		apiKey:        apiKey,
		schema:        defaultSchema,
		messagesTable: defaultMessagesTable,
		progressTable: defaultProgressTable,
		heartbeat:     defaultHeartbeat,
		redials:       defaultRedials,
		redialDelay:   defaultRedialDelay,
		dialer:        websocket.DefaultDialer,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *WebsocketFeed) SubscribeMessages(ctx context.Context, key domain.LessonKey, onRow func(MessageRow)) (Unsubscribe, error) {
	return f.subscribe(ctx, f.messagesTable, key, func(record json.RawMessage) {
		if row, ok := decodeMessageRow(record, key); ok {
			onRow(row)
		}
	})
}

func (f *WebsocketFeed) SubscribeProgress(ctx context.Context, key domain.LessonKey, onRow func(ProgressRow)) (Unsubscribe, error) {
	return f.subscribe(ctx, f.progressTable, key, func(record json.RawMessage) {
		if row, ok := decodeProgressRow(record, key); ok {
			onRow(row)
		}
	})
}

type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type postgresChange struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []postgresChange `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type changePayload struct {
	Data struct {
		Type   string          `json:"type"`
		Table  string          `json:"table"`
		Record json.RawMessage `json:"record"`
	} `json:"data"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

func (f *WebsocketFeed) subscribe(ctx context.Context, table string, key domain.LessonKey, deliver func(json.RawMessage)) (Unsubscribe, error) {
	u, err := url.Parse(f.endpoint)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("apikey", f.apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	endpoint := u.String()
	conn, _, err := f.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	topic := fmt.Sprintf("realtime:lesson-%d-%d-%s", key.Day, key.Lesson, table)
	var join joinPayload
	// Server-side filters accept a single column, lesson and lang are
	// filtered on receipt.
	join.Config.PostgresChanges = []postgresChange{{
		Event:  "*",
		Schema: f.schema,
		Table:  table,
		Filter: "day=eq." + strconv.Itoa(key.Day),
	}}
	join.AccessToken = f.accessToken

	s := &wsSubscription{
		conn:        conn,
		topic:       topic,
		join:        join,
		logger:      f.logger.With("topic", topic),
		redials:     f.redials,
		redialDelay: f.redialDelay,
		stop:        make(chan struct{}),
	}
	s.dial = func(ctx context.Context) (*websocket.Conn, error) {
		c, _, err := f.dialer.DialContext(ctx, endpoint, nil)
		return c, err
	}
	if err := s.send("phx_join", join); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("realtime: join %s: %w", topic, err)
	}

	s.wg.Add(1)
	go s.heartbeatLoop(f.heartbeat)
	go s.readLoop(deliver)

	s.logger.Info("realtime: subscribed", "lesson", key.String())
	return s.close, nil
}

type wsSubscription struct {
	conn   *websocket.Conn
	topic  string
	join   joinPayload
	dial   func(context.Context) (*websocket.Conn, error)
	logger *slog.Logger

	redials     int
	redialDelay time.Duration

	writeMu sync.Mutex
	ref     int

	stop    chan struct{}
	stopped atomic.Bool
	once    sync.Once
	wg      sync.WaitGroup
}

func (s *wsSubscription) send(event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.write(phxMessage{Topic: s.topic, Event: event, Payload: body})
}

func (s *wsSubscription) write(msg phxMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ref++
	msg.Ref = strconv.Itoa(s.ref)
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *wsSubscription) heartbeatLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			err := s.write(phxMessage{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`)})
			if err != nil {
				s.logger.Warn("realtime: heartbeat failed", "err", err)
			}
		}
	}
}

func (s *wsSubscription) readLoop(deliver func(json.RawMessage)) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.stopped.Load() {
				return
			}
			s.logger.Warn("realtime: connection lost", "err", err)
			if !s.reconnect() {
				return
			}
			continue
		}
		if s.stopped.Load() {
			return
		}

		var msg phxMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("realtime: undecodable frame", "err", err)
			continue
		}
		if msg.Topic != s.topic {
			continue
		}

		switch msg.Event {
		case "postgres_changes":
			var change changePayload
			if err := json.Unmarshal(msg.Payload, &change); err != nil || len(change.Data.Record) == 0 {
				continue
			}
			if change.Data.Type == "DELETE" {
				continue
			}
			deliver(change.Data.Record)
		case "phx_reply":
			var reply replyPayload
			if err := json.Unmarshal(msg.Payload, &reply); err == nil && reply.Status != "ok" {
				s.logger.Warn("realtime: join rejected", "status", reply.Status, "response", string(reply.Response))
			}
		case "phx_error", "phx_close":
			s.logger.Warn("realtime: channel closed by server", "event", msg.Event)
		}
	}
}

// reconnect redials with doubling delays and rejoins the channel on the new
// connection. It gives up after the configured attempts or once the
// subscription is closed.
func (s *wsSubscription) reconnect() bool {
	delay := s.redialDelay
	for attempt := 1; attempt <= s.redials; attempt++ {
		select {
		case <-s.stop:
			return false
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRedialDelay)

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		conn, err := s.dial(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("realtime: redial failed", "attempt", attempt, "err", err)
			continue
		}

		s.writeMu.Lock()
		if s.stopped.Load() {
			s.writeMu.Unlock()
			_ = conn.Close()
			return false
		}
		old := s.conn
		s.conn = conn
		s.writeMu.Unlock()
		_ = old.Close()

		if err := s.send("phx_join", s.join); err != nil {
			s.logger.Warn("realtime: rejoin failed", "attempt", attempt, "err", err)
			continue
		}
		s.logger.Info("realtime: reconnected", "attempt", attempt)
		return true
	}
	s.logger.Error("realtime: giving up on connection", "attempts", s.redials)
	return false
}

func (s *wsSubscription) close() {
	s.once.Do(func() {
		s.stopped.Store(true)
		close(s.stop)
		s.wg.Wait()

		if err := s.send("phx_leave", struct{}{}); err != nil {
			s.logger.Debug("realtime: leave failed", "err", err)
		}
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribe"),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
		s.writeMu.Unlock()
		s.logger.Info("realtime: unsubscribed")
	})
}
