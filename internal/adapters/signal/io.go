package signal

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DefaultPingPeriod = 54 * time.Second
	DefaultReadLimit  = 32 * 1024
	writeWait         = 5 * time.Second
)

// PongWait is how long a socket may stay silent when pinged every pingPeriod.
func PongWait(pingPeriod time.Duration) time.Duration {
	return pingPeriod * 3 / 2
}

// WritePump owns the socket: it is closed when the pump returns.
func (c *Conn) WritePump(ctx context.Context, pingPeriod time.Duration, logger zerolog.Logger) {
	if pingPeriod <= 0 {
		pingPeriod = DefaultPingPeriod
	}
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				logger.Debug().Msg("writePump channel closed")
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn().Err(err).Msg("writePump ping error")
				return
			}
		}
	}
}

// ReadPump feeds every text frame to handle until the socket fails, then
// closes the queue. The returned error is nil for a normal close.
func (c *Conn) ReadPump(ctx context.Context, readLimit int64, pingPeriod time.Duration, handle func([]byte)) error {
	defer c.Close()

	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	if pingPeriod <= 0 {
		pingPeriod = DefaultPingPeriod
	}
	wait := PongWait(pingPeriod)
	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(wait))
		handle(data)
	}
}
