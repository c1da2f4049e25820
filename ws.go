package main

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/loggo"
)

var wsLogger = loggo.GetLogger("ws")

const wsWriteWait = 10 * time.Second

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		wsLogger.Infof("upgrade from %v failed: %v", r.RemoteAddr, err)
		return
	}

	c := newSubscriber(ws.RemoteAddr().String())
	if !s.hub.Register(c) {
		ws.Close()
		return
	}
	go wsWriter(ws, c)
	wsReader(ws)
	s.hub.Unregister(c)
}

// wsWriter pipes the subscriber queue into the websocket. It closes the
// connection when done, which also ends wsReader.
func wsWriter(ws *websocket.Conn, c *subscriber) {
	defer ws.Close()
	for e := range c.send {
		ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := ws.WriteJSON(e); err != nil {
			wsLogger.Infof("-> UI[%v] write failed: %v", c.addr, err)
			return
		}
	}
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(wsWriteWait))
}

// wsReader drains client frames until the connection goes away. The
// push channel is one-way, so anything the client sends is ignored.
func wsReader(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
