package feed

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/safetrail/client/internal/backoff"
)

const (
	pongWait  = 60 * time.Second
	pingWait  = 10 * time.Second
	readLimit = 1 << 20
)

// Conn is the slice of a websocket connection the client reads from.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Dialer opens one subscription connection. Tests substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// gorillaDialer dials with the default gorilla websocket dialer.
type gorillaDialer struct {
	authToken string
}

func (d gorillaDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	header := http.Header{}
	if d.authToken != "" {
		header.Set("Authorization", "Bearer "+d.authToken)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Handler receives every decoded row event from a subscription, in delivery
// order. It must not block.
type Handler func(event RowEvent)

// Client manages one durable subscription per table of interest. Each
// subscription retries independently with exponential backoff; exhausting
// the budget raises a sticky Degraded flag that the next success clears.
type Client struct {
	baseURL string
	tables  []string
	dialer  Dialer
	handler Handler
	policy  backoff.Policy

	mu        sync.Mutex
	subjectID string
	subs      map[string]*subscription
	degraded  bool
}

// subscription is the handle for one open table subscription.
type subscription struct {
	cancel context.CancelFunc
}

// NewClient creates a change feed client for the given ws:// or wss:// base
// URL and set of table names.
func NewClient(baseURL, authToken string, tables []string, handler Handler) *Client {
	return &Client{
		baseURL: baseURL,
		tables:  tables,
		dialer:  gorillaDialer{authToken: authToken},
		handler: handler,
		policy: backoff.Policy{
			Base:        2 * time.Second,
			Factor:      2,
			Cap:         60 * time.Second,
			MaxAttempts: 5,
		},
		subs: make(map[string]*subscription),
	}
}

// Start opens all table subscriptions scoped to the given subject.
func (c *Client) Start(subjectID string) {
	c.mu.Lock()
	c.subjectID = subjectID
	c.mu.Unlock()

	c.openAll()
}

// Stop tears down every subscription and cancels pending retries. It does
// not wait for in-flight attempts to finish.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for table, sub := range c.subs {
		sub.cancel()
		delete(c.subs, table)
	}
}

// Reconnect re-opens all subscriptions without resetting subject identity.
// Used after connectivity is restored.
func (c *Client) Reconnect() {
	c.Stop()
	c.openAll()
}

// Degraded reports whether any subscription has exhausted its retry budget
// since the last success.
func (c *Client) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

func (c *Client) openAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, table := range c.tables {
		if _, open := c.subs[table]; open {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		sub := &subscription{cancel: cancel}
		c.subs[table] = sub
		go c.runSubscription(ctx, table, sub)
	}
}

// runSubscription keeps one table subscription alive: dial with backoff,
// read until the connection drops, then start over with a fresh retry
// budget. It exits when the budget is exhausted (raising the degraded flag)
// or the context is cancelled.
func (c *Client) runSubscription(ctx context.Context, table string, sub *subscription) {
	defer func() {
		c.mu.Lock()
		if c.subs[table] == sub {
			delete(c.subs, table)
		}
		c.mu.Unlock()
	}()

	for {
		var conn Conn
		err := c.policy.Retry(ctx, func(ctx context.Context) error {
			var dialErr error
			conn, dialErr = c.dialer.Dial(ctx, c.subscriptionURL(table))
			return dialErr
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.setDegraded(true)
			log.Printf("Feed subscription %s degraded after exhausting retries: %v", table, err)
			return
		}

		c.setDegraded(false)
		log.Printf("Feed subscription %s connected", table)

		c.readLoop(ctx, table, conn)
		if ctx.Err() != nil {
			return
		}
		log.Printf("Feed subscription %s dropped; reconnecting", table)
	}
}

// readLoop reads events until the connection fails or the context is
// cancelled. Decoded events are handed to the handler synchronously; the
// handler must dispatch long-running work elsewhere so delivery of the next
// event is never blocked.
func (c *Client) readLoop(ctx context.Context, table string, conn Conn) {
	defer conn.Close()

	// Close the connection when cancelled so the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ping := time.NewTicker(pongWait / 2)
	defer ping.Stop()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ping.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWait))
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Feed read error on %s: %v", table, err)
			}
			return
		}

		event, err := decodeEvent(data)
		if err != nil {
			log.Printf("Dropping malformed feed event on %s: %v", table, err)
			continue
		}
		if event.Table == "" {
			event.Table = table
		}

		c.handler(event)
	}
}

func (c *Client) subscriptionURL(table string) string {
	c.mu.Lock()
	subject := c.subjectID
	c.mu.Unlock()

	return c.baseURL + "/api/v1/feed/" + table + "?subject=" + url.QueryEscape(subject)
}

func (c *Client) setDegraded(v bool) {
	c.mu.Lock()
	c.degraded = v
	c.mu.Unlock()
}
