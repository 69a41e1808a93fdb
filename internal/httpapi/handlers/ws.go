package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/leadgrid/leadgrid/internal/common"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Notifications upgrades an authenticated request to a websocket channel and
// registers it with the hub. Every open tab of a user gets its own channel;
// all of them receive every event.
func (h *Handler) Notifications(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Notifications] upgrade failed uid=%d err=%v", uid, err)
		return
	}

	h.Hub.Serve(uid, conn)
}
