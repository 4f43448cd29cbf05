package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"funding-arb-bot/internal/venue"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Feed consumes the perp venue's position-changed stream and fans events
// out to registered handlers. Reconnects with resubscription on read
// errors; handlers run on the read goroutine and must not block.
type Feed struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs []any

	handlersMu sync.RWMutex
	handlers   []func(venue.PositionChangedEvent)
}

func New(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Feed {
	return &Feed{url: url, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
}

// OnPositionChanged registers a handler for every decoded fill event.
// Filtering by trader and instrument is the handler's responsibility.
func (f *Feed) OnPositionChanged(handler func(venue.PositionChangedEvent)) {
	f.handlersMu.Lock()
	defer f.handlersMu.Unlock()
	f.handlers = append(f.handlers, handler)
}

func (f *Feed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return err
	}
	f.conn = conn
	return nil
}

// Subscribe records the subscription for replay after reconnects and
// sends it on the live connection.
func (f *Feed) Subscribe(ctx context.Context, sub any) error {
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("feed not connected")
	}
	return writeJSON(ctx, conn, sub)
}

func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := f.ensureConnected(ctx); err != nil {
			return err
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			f.pingLoop(pingCtx)
		}()
		err := f.readLoop(ctx)
		cancel()
		<-pingDone
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logReadLoopError(err)
			f.resetConn()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.reconnectDelay):
			}
			continue
		}
	}
}

func (f *Feed) ensureConnected(ctx context.Context) error {
	if err := f.Connect(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	conn := f.conn
	subs := append([]any(nil), f.subs...)
	f.mu.Unlock()
	for _, sub := range subs {
		if err := writeJSON(ctx, conn, sub); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) readLoop(ctx context.Context) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("feed not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		f.dispatch(data)
	}
}

// positionChangedFrame is the wire shape of one fill notification.
type positionChangedFrame struct {
	Channel string `json:"channel"`
	Data    struct {
		Trader                    string  `json:"trader"`
		BaseToken                 string  `json:"baseToken"`
		ExchangedPositionSize     float64 `json:"exchangedPositionSize"`
		ExchangedPositionNotional float64 `json:"exchangedPositionNotional"`
		Fee                       float64 `json:"fee"`
		OpenNotional              float64 `json:"openNotional"`
		RealizedPnl               float64 `json:"realizedPnl"`
	} `json:"data"`
}

func (f *Feed) dispatch(data []byte) {
	var frame positionChangedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		if f.log != nil {
			f.log.Debug("unparseable feed frame", zap.Error(err))
		}
		return
	}
	if frame.Channel != "positionChanged" {
		return
	}
	event := venue.PositionChangedEvent{
		Trader:                    common.HexToAddress(frame.Data.Trader),
		BaseToken:                 common.HexToAddress(frame.Data.BaseToken),
		ExchangedPositionSize:     frame.Data.ExchangedPositionSize,
		ExchangedPositionNotional: frame.Data.ExchangedPositionNotional,
		Fee:                       frame.Data.Fee,
		OpenNotional:              frame.Data.OpenNotional,
		RealizedPnl:               frame.Data.RealizedPnl,
	}
	f.handlersMu.RLock()
	handlers := f.handlers
	f.handlersMu.RUnlock()
	for _, handler := range handlers {
		handler(event)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	f.mu.Lock()
	conn := f.conn
	interval := f.pingInterval
	f.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (f *Feed) logReadLoopError(err error) {
	if f.log == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		f.log.Info("feed read loop ended", zap.Error(err))
		return
	}
	f.log.Warn("feed read loop ended", zap.Error(err))
}

func (f *Feed) resetConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "reset")
		f.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}
