package signaling

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/interviewlink/backend/config"
	"github.com/interviewlink/backend/internal/auth"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // native call clients send no Origin
	},
}

// TokenValidator validates a broker access token.
type TokenValidator func(token string) (*auth.Claims, error)

// Client is one websocket connection registered under a peer id.
type Client struct {
	ID     string
	UserID *uuid.UUID // nil for guests
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// Send queues a frame for the client. Frames are dropped when the buffer is full
// or the connection is closing.
func (c *Client) Send(msg Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.logger.Warn("send buffer full, dropping frame", zap.String("type", string(msg.Type)), zap.String("src", msg.Src))
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// ServeWs handles GET /ws?peer_id=&token=. Guests connect without a token; a token that
// is present must validate.
func ServeWs(hub *Hub, logger *zap.Logger, validate TokenValidator, cfg config.BrokerConfig) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	readLimit := cfg.ReadLimit
	if readLimit <= 0 {
		readLimit = 65536
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return func(c *gin.Context) {
		peerID := c.Query("peer_id")
		if !ValidPeerID(peerID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "valid peer_id required"})
			return
		}
		var userID *uuid.UUID
		if token := c.Query("token"); token != "" && validate != nil {
			claims, err := validate(token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			userID = &claims.UserID
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:     peerID,
			UserID: userID,
			hub:    hub,
			conn:   conn,
			send:   make(chan Message, sendBuffer),
			done:   make(chan struct{}),
			logger: logger.With(zap.String("peer_id", peerID)),
		}
		if !hub.Register(client) {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteJSON(errorMessage(TypeIDTaken, "ID is taken"))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "id taken"))
			_ = conn.Close()
			return
		}
		client.Send(Message{Type: TypeOpen, Dst: peerID})
		go client.writePump()
		client.readPump(readLimit)
	}
}

func (c *Client) readPump(readLimit int64) {
	defer func() {
		c.hub.Unregister(c)
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read ended", zap.Error(err))
			}
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch {
		case msg.Type == TypeHeartbeat:
			// deadline already refreshed
		case msg.Type.Relayed():
			c.hub.Route(c, msg)
		default:
			c.Send(errorMessage(TypeError, "unsupported message type"))
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
