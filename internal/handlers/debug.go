package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"realtime-chat/internal/realtime"
	"realtime-chat/internal/telemetry"
)

// RegisterDebugRoutes mounts /debug/realtime when debug is enabled. It dumps the
// hub's presence and, with ?chat_id=, the chat's live members and typers. Every
// call is audited.
func RegisterDebugRoutes(router gin.IRouter, hub *realtime.Hub, emitter *telemetry.AuditEmitter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/realtime", func(c *gin.Context) {
		presence := hub.SnapshotPresence()
		online := 0
		for _, p := range presence {
			if p.Online {
				online++
			}
		}
		resp := gin.H{"presence": presence, "online": online}
		fields := map[string]string{"online": strconv.Itoa(online)}

		if chatID := c.Query("chat_id"); chatID != "" {
			resp["chat_id"] = chatID
			resp["members"] = hub.MembersOf(chatID)
			typing := hub.Typing(chatID)
			if typing == nil {
				typing = []string{}
			}
			resp["typing"] = typing
			fields["chat_id"] = chatID
		}

		emitter.Emit(c.Request.Context(), "INFO", "Realtime snapshot requested", requestIDFromContext(c), userIDFromContext(c), fields)
		c.JSON(http.StatusOK, resp)
	})
}
