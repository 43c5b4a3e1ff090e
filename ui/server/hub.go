package server

import "context"

// hub maintains the set of active connections and broadcasts messages
// to them.
type hub struct {
	connections map[*connection]struct{}
	broadcast   chan []byte
	register    chan *connection
	unregister  chan *connection
	done        chan struct{}
}

func newHub() *hub {
	return &hub{
		connections: make(map[*connection]struct{}),
		broadcast:   make(chan []byte),
		register:    make(chan *connection),
		unregister:  make(chan *connection),
		done:        make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	defer func() {
		for c := range h.connections {
			delete(h.connections, c)
			close(c.send)
		}
		close(h.done)
	}()
	for {
		select {
		case c := <-h.register:
			h.connections[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := h.connections[c]; ok {
				delete(h.connections, c)
				close(c.send)
			}
		case m := <-h.broadcast:
			for c := range h.connections {
				select {
				case c.send <- m:
				default:
					// Slow consumer
					delete(h.connections, c)
					close(c.send)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// join registers c. It returns false if the hub has stopped.
func (h *hub) join(c *connection) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *hub) leave(c *connection) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
