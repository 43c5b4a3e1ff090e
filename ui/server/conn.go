// Portions of this code are:
// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/olivere/taskmanager"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// request is a message sent by a client.
type request struct {
	Type   string `json:"type"`
	UID    uint64 `json:"uid"`
	TaskID uint32 `json:"tid"`
	Bundle string `json:"bundle,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// response is the reply to a request. It goes to the requesting
// connection only.
type response struct {
	Type    string                  `json:"type"`
	Message string                  `json:"message,omitempty"`
	Task    *taskmanager.TaskInfo   `json:"task,omitempty"`
	Tasks   []*taskmanager.TaskInfo `json:"tasks,omitempty"`
	Total   int                     `json:"total,omitempty"`
}

// connection is an middleman between the websocket connection and the hub.
type connection struct {
	srv     *Server
	// The websocket connection.
	ws      *websocket.Conn
	// Buffered channel of outbound messages. Closed by the hub.
	send    chan []byte
	// Buffered channel of responses to this client's requests.
	replies chan []byte
	limiter *rate.Limiter
}

// readPump pumps requests from the websocket connection and answers them.
func (c *connection) readPump() {
	defer func() {
		c.srv.hub.leave(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg request
		err := c.ws.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Debug("websocket closed", "error", err)
			}
			break
		}
		rsp := c.handle(&msg)
		payload, err := json.Marshal(rsp)
		if err != nil {
			c.srv.logger.Error("cannot encode response", "error", err)
			continue
		}
		if !c.reply(payload) {
			break
		}
	}
}

func (c *connection) handle(msg *request) *response {
	if !c.limiter.Allow() {
		return &response{Type: "ERROR", Message: "Rate limit exceeded"}
	}
	switch msg.Type {
	case "TASK_LOOKUP":
		rsp := &response{Type: "TASK_LOOKUP"}
		t, err := c.srv.m.History(msg.UID, msg.TaskID)
		switch {
		case errors.Is(err, taskmanager.ErrNotFound):
			rsp.Message = "Task cannot be found"
		case err != nil:
			c.srv.logger.Warn("task lookup failed", "uid", msg.UID, "task_id", msg.TaskID, "error", err)
			rsp.Message = "Task lookup failed"
		default:
			rsp.Task = t
		}
		return rsp
	case "TASK_LIST":
		rsp := &response{Type: "TASK_LIST"}
		req := &taskmanager.ListRequest{Bundle: msg.Bundle, Limit: msg.Limit}
		if msg.UID != 0 {
			req.UID = &msg.UID
		}
		if req.Limit <= 0 || req.Limit > 100 {
			req.Limit = recentTasks
		}
		list, err := c.srv.m.List(req)
		if err != nil {
			c.srv.logger.Warn("task list failed", "error", err)
			rsp.Message = "Task list failed"
			return rsp
		}
		rsp.Tasks = list.Tasks
		rsp.Total = list.Total
		return rsp
	}
	return &response{Type: "ERROR", Message: "Unknown request type"}
}

// reply queues payload for this connection only. It returns false if
// the client does not keep up.
func (c *connection) reply(payload []byte) bool {
	select {
	case c.replies <- payload:
		return true
	default:
		return false
	}
}

// write writes a message with the given message type and payload.
func (c *connection) write(mt int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump pumps messages from the hub to the websocket connection.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case message := <-c.replies:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

type wsserver struct {
	srv *Server
}

// ServeHTTP handles websocket requests from the peer.
func (h wsserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.srv.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := &connection{
		srv:     h.srv,
		ws:      ws,
		send:    make(chan []byte, 256),
		replies: make(chan []byte, 16),
		limiter: rate.NewLimiter(h.srv.limit, h.srv.burst),
	}
	if !h.srv.hub.join(c) {
		ws.Close()
		return
	}
	go c.writePump()
	c.readPump()
}
