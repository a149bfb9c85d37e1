package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var ErrNoFreshPrices = errors.New("no fresh reference prices")

type FeedConfig struct {
	URL string
	// Products maps a symbol pair such as "ETH/USDC" to the feed's product
	// id. Unmapped symbols use the pair with "/" replaced by "-".
	Products       map[string]string
	MaxAge         time.Duration
	ReconnectDelay time.Duration
	PingInterval   time.Duration
}

type tickerMessage struct {
	Type      string          `json:"type"`
	ProductID string          `json:"product_id"`
	Price     decimal.Decimal `json:"price"`
	Time      time.Time       `json:"time"`
	Message   string          `json:"message"`
}

type subscribeMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

type tick struct {
	price decimal.Decimal
	at    time.Time
}

// FeedSource keeps the latest ticker price per product from a websocket
// feed and serves them as reference prices while they are fresh.
type FeedSource struct {
	cfg     FeedConfig
	symbols []string
	logger  *logrus.Logger
	now     func() time.Time

	mu        sync.RWMutex
	ticks     map[string]tick
	connected bool

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func NewFeedSource(cfg FeedConfig, symbols []string, logger *logrus.Logger) *FeedSource {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &FeedSource{
		cfg:     cfg,
		symbols: symbols,
		logger:  logger,
		now:     time.Now,
		ticks:   make(map[string]tick),
	}
}

func (f *FeedSource) productFor(symbol string) string {
	if p, ok := f.cfg.Products[symbol]; ok {
		return p
	}
	return strings.ReplaceAll(symbol, "/", "-")
}

func (f *FeedSource) ReferencePrices(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	cutoff := f.now().Add(-f.cfg.MaxAge)
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, sym := range symbols {
		t, ok := f.ticks[f.productFor(sym)]
		if !ok || t.at.Before(cutoff) {
			continue
		}
		out[sym] = t.price
	}
	if len(out) == 0 {
		return nil, ErrNoFreshPrices
	}
	return out, nil
}

func (f *FeedSource) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Run connects, subscribes and reads until ctx is cancelled, reconnecting
// after a delay whenever the connection drops.
func (f *FeedSource) Run(ctx context.Context) error {
	for {
		if err := f.session(ctx); err != nil && ctx.Err() == nil {
			f.logger.WithError(err).WithField("url", f.cfg.URL).Warn("Price feed disconnected")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.cfg.ReconnectDelay):
		}
	}
}

func (f *FeedSource) session(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to price feed: %w", err)
	}
	defer conn.Close()

	f.writeMu.Lock()
	f.conn = conn
	f.writeMu.Unlock()

	products := make([]string, 0, len(f.symbols))
	for _, sym := range f.symbols {
		products = append(products, f.productFor(sym))
	}
	if err := f.write(func(c *websocket.Conn) error {
		return c.WriteJSON(subscribeMessage{Type: "subscribe", ProductIDs: products, Channels: []string{"ticker"}})
	}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	f.setConnected(true)
	defer f.setConnected(false)
	f.logger.WithField("products", products).Info("Subscribed to price feed")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.keepAlive(sessionCtx)
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	return f.readLoop(conn)
}

func (f *FeedSource) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg tickerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.WithError(err).Debug("Ignoring undecodable feed message")
			continue
		}

		switch msg.Type {
		case "ticker":
			f.handleTicker(msg)
		case "error":
			f.logger.WithField("message", msg.Message).Error("Price feed error")
		}
	}
}

func (f *FeedSource) handleTicker(msg tickerMessage) {
	if msg.ProductID == "" || !msg.Price.IsPositive() {
		return
	}
	at := msg.Time
	if at.IsZero() {
		at = f.now()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.ticks[msg.ProductID]; ok && prev.at.After(at) {
		return
	}
	f.ticks[msg.ProductID] = tick{price: msg.Price, at: at}
}

func (f *FeedSource) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := f.write(func(c *websocket.Conn) error {
				return c.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			})
			if err != nil {
				f.logger.WithError(err).Warn("Failed to send ping")
				return
			}
		}
	}
}

func (f *FeedSource) write(fn func(*websocket.Conn) error) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if f.conn == nil {
		return errors.New("price feed not connected")
	}
	return fn(f.conn)
}

func (f *FeedSource) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}
