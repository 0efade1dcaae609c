package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const wsReadLimit = 4096

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket upgrades an authenticated viewer into a live session. The token
// is checked before the upgrade so rejections are plain HTTP errors.
func (s *Server) websocket(c *gin.Context) {
	token, code := bearerToken(c)
	if code != "" {
		respondError(c, http.StatusUnauthorized, code, "viewer token required")
		return
	}
	owner, err := parseToken(token, s.JWTSecret)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	session := s.Live.NewSession(owner, conn)
	err = session.Serve(c.Request.Context())
	var closeErr *websocket.CloseError
	if err != nil && !errors.As(err, &closeErr) {
		s.log.WithError(err).WithField("owner", owner).Debug("live session ended")
	}
}
