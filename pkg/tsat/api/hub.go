package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/thesyncim/tsat/pkg/tsat"
)

const (
	socketBufferSize  = 1024
	messageBufferSize = 10
	writeWait         = 5 * time.Second
)

var upgrader = &websocket.Upgrader{ReadBufferSize: socketBufferSize, WriteBufferSize: socketBufferSize}

// hub fans registry updates out to websocket clients. All client bookkeeping
// happens on the run goroutine.
type hub struct {
	// forward holds encoded updates to send to every client.
	forward chan []byte
	join    chan *client
	leave   chan *client
	clients map[*client]struct{}

	done      chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}

	connected atomic.Int64
	dropped   atomic.Uint64
}

type client struct {
	id     uuid.UUID
	socket *websocket.Conn
	send   chan []byte
}

func newHub() *hub {
	return &hub{
		forward: make(chan []byte),
		join:    make(chan *client),
		leave:   make(chan *client),
		clients: make(map[*client]struct{}),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (h *hub) run() {
	defer close(h.stopped)
	for {
		select {
		case <-h.done:
			for c := range h.clients {
				h.remove(c)
			}
			return
		case c := <-h.join:
			h.clients[c] = struct{}{}
			h.connected.Store(int64(len(h.clients)))
			tsat.Logf("api: client %s joined", c.id)
		case c := <-h.leave:
			if _, ok := h.clients[c]; ok {
				h.remove(c)
				tsat.Logf("api: client %s left", c.id)
			}
		case msg := <-h.forward:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.remove(c)
					h.dropped.Add(1)
					tsat.Logf("api: client %s dropped, send buffer full", c.id)
				}
			}
		}
	}
}

func (h *hub) remove(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.connected.Store(int64(len(h.clients)))
}

// broadcast queues msg for every client. It returns without sending once the
// hub is closed.
func (h *hub) broadcast(msg []byte) {
	select {
	case h.forward <- msg:
	case <-h.done:
	}
}

func (h *hub) close() {
	h.closeOnce.Do(func() { close(h.done) })
	<-h.stopped
}

func (h *hub) count() int {
	return int(h.connected.Load())
}

func (h *hub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	socket, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		tsat.Logf("api: websocket upgrade: %v", err)
		return
	}
	c := &client{
		id:     uuid.New(),
		socket: socket,
		send:   make(chan []byte, messageBufferSize),
	}
	select {
	case h.join <- c:
	case <-h.done:
		socket.Close()
		return
	}
	defer func() {
		select {
		case h.leave <- c:
		case <-h.done:
		}
	}()
	go c.write()
	c.read()
}

// read drains incoming frames until the connection fails. Clients only
// listen; anything they send is discarded.
func (c *client) read() {
	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) write() {
	defer c.socket.Close()
	for msg := range c.send {
		c.socket.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.socket.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.socket.SetWriteDeadline(time.Now().Add(writeWait))
	c.socket.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// publish is registered as a registry callback.
func (s *Server) publish(name string, estimate tsat.State, at time.Time) {
	msg, err := json.Marshal(Estimate{Strategy: name, Time: &at, State: stateJSON(estimate)})
	if err != nil {
		tsat.Logf("api: encode update: %v", err)
		return
	}
	s.hub.broadcast(msg)
}
