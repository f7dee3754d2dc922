package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperroute/pkg/notify"
	"github.com/uhyunpark/hyperroute/pkg/order"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// Frames queued per connection before new ones are dropped
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// wsClient is the live status stream of a single order. It implements
// notify.Subscriber; the hub never blocks on it.
type wsClient struct {
	conn    *websocket.Conn
	orderID string
	send    chan notify.Message
	done    chan struct{}
	once    sync.Once
	log     *zap.SugaredLogger
}

func newWSClient(conn *websocket.Conn, orderID string, log *zap.SugaredLogger) *wsClient {
	return &wsClient{
		conn:    conn,
		orderID: orderID,
		send:    make(chan notify.Message, sendBuffer),
		done:    make(chan struct{}),
		log:     log,
	}
}

func (c *wsClient) Send(msg notify.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which then closes the connection
func (c *wsClient) Close() {
	c.once.Do(func() { close(c.done) })
}

// readPump only services control frames; clients send nothing meaningful
func (c *wsClient) readPump() {
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warnw("ws_read_failed", "order_id", c.orderID, "error", err)
			}
			return
		}
	}
}

// writePump owns every write on the connection
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			b, err := json.Marshal(msg)
			if err != nil {
				c.log.Errorw("ws_marshal_failed", "order_id", c.orderID, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// handleWebSocket upgrades /ws?orderId=<id> into that order's status stream.
// A newer connection for the same order replaces the older one.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "error", err)
		return
	}

	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Order ID is required"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	status := order.StatusPending
	if o, err := s.orders.Get(r.Context(), orderID); err != nil {
		s.log.Warnw("ws_order_lookup_failed", "order_id", orderID, "error", err)
	} else if o != nil {
		status = o.Status
	}

	client := newWSClient(conn, orderID, s.log)
	// Queued before subscribing so it is always the first frame
	client.Send(notify.Message{
		OrderID:   orderID,
		Status:    status,
		Message:   "Connected to order status stream",
		Timestamp: time.Now().UTC(),
	})

	if prev := s.hub.Subscribe(orderID, client); prev != nil {
		if old, ok := prev.(*wsClient); ok {
			old.Close()
		}
	}
	s.log.Infow("ws_connected", "order_id", orderID, "status", status)

	go client.writePump()
	go func() {
		client.readPump()
		s.hub.Unsubscribe(orderID, client)
		s.log.Infow("ws_disconnected", "order_id", orderID)
	}()
}
