// internal/handlers/conn.go
package handlers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 5 * time.Second
	outBuffer    = 64
)

// wsConn is the server side of one socket. Send never blocks: frames are queued for the
// write pump and dropped if the client falls too far behind.
type wsConn struct {
	id      string
	userID  string
	OutChan chan []byte
	logger  *logrus.Logger
}

func newWSConn(id, userID string, logger *logrus.Logger) *wsConn {
	return &wsConn{id: id, userID: userID, OutChan: make(chan []byte, outBuffer), logger: logger}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(data []byte) {
	select {
	case c.OutChan <- data:
	default:
		c.logger.WithFields(logrus.Fields{"conn": c.id, "user": c.userID}).Warn("outbound buffer full, dropping frame")
	}
}

// flush writes whatever is queued without waiting for more.
func (c *wsConn) flush(ctx context.Context, ws *websocket.Conn) {
	for {
		select {
		case msg := <-c.OutChan:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump feeds every text frame to handle until the socket or ctx closes.
func readPump(ctx context.Context, ws *websocket.Conn, conn *wsConn, logger *logrus.Logger, handle func([]byte)) error {
	for {
		typ, msg, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				return nil
			case errors.Is(err, context.Canceled) || strings.Contains(err.Error(), "context canceled"):
				return nil
			}
			logger.WithFields(logrus.Fields{"conn": conn.id, "user": conn.userID}).Debugf("read error: %v (close status %d)", err, status)
			return err
		}
		if typ != websocket.MessageText {
			logger.WithField("conn", conn.id).Warnf("ignoring non-text frame of type %d", typ)
			continue
		}
		handle(msg)
	}
}

// writePump drains OutChan and pings the client until ctx is done.
func writePump(ctx context.Context, ws *websocket.Conn, conn *wsConn, logger *logrus.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-conn.OutChan:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				logger.WithFields(logrus.Fields{"conn": conn.id, "user": conn.userID}).Debugf("write failed: %v", err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.WithField("conn", conn.id).Debugf("ping failed: %v", err)
				return
			}
		}
	}
}
