package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/VideoPeers/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Client is the peer side of the websocket relay. It implements core.Signaler.
type Client struct {
	conn       *websocket.Conn
	send       chan core.Frame
	pingPeriod time.Duration
	handlers   dispatcher
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
	once   sync.Once
}

var _ core.Signaler = (*Client)(nil)

// Dial connects to the relay at url (ws:// or wss://).
func Dial(ctx context.Context, url string, header http.Header, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	conn.SetReadLimit(opts.ReadLimit)

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:       conn,
		send:       make(chan core.Frame, opts.SendBuffer),
		pingPeriod: opts.PingPeriod,
		logger:     log.With().Str("module", "signal.client").Str("url", url).Logger(),
		ctx:        cctx,
		cancel:     cancel,
	}
	c.wg.Go(c.writePump)
	c.wg.Go(func() {
		c.readPump()
		c.cancel()
	})
	c.logger.Info().Msg("connected")
	return c, nil
}

func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	frame, err := core.NewFrame(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	select {
	case c.send <- frame:
		c.logger.Debug().Str("event", event).Msg("emit")
		return nil
	case <-c.ctx.Done():
		return core.ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) On(event string, fn func(json.RawMessage)) func() {
	return c.handlers.on(event, fn)
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Client) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.logger.Info().Msg("closed")
	})
	return nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				c.cancel()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Warn().Err(err).Msg("writePump ping")
				c.cancel()
				return
			}
		}
	}
}

func (c *Client) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		c.handlers.dispatch(data)
	}
}
