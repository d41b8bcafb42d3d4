package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/adamanteye/veloquent-core/internal/auth"
	"github.com/adamanteye/veloquent-core/internal/config"
	"github.com/adamanteye/veloquent-core/internal/metrics"
	"github.com/adamanteye/veloquent-core/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// DigestSource 在连接注册成功后提供各会话的未读摘要。
type DigestSource interface {
	UnreadDigests(user uuid.UUID) ([]Notification, error)
}

// wsConn 串行化单条 websocket 连接上的写入。
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (w *wsConn) Push(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.c.WriteMessage(websocket.PingMessage, nil)
}

// Serve 处理通知连接的建立：升级后在限定时间内等待一条携带
// Bearer Token 的文本帧，校验通过才注册进 Hub，否则直接关闭。
func Serve(h *Hub, db *gorm.DB, cfg config.Config, feeds DigestSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
		mt, data, err := conn.ReadMessage()
		if err != nil || mt != websocket.TextMessage {
			log.Debug().Err(err).Msg("websocket handshake failed")
			_ = conn.Close()
			return
		}
		claims, err := auth.ParseToken(string(data), cfg.JWTSecret)
		if err != nil {
			log.Warn().Err(err).Msg("websocket received invalid token")
			_ = conn.Close()
			return
		}
		var user models.User
		if err := db.First(&user, "id = ?", claims.UserID).Error; err != nil {
			_ = conn.Close()
			return
		}

		wc := &wsConn{c: conn}
		h.Register(user.ID, wc)
		metrics.WsConnections.Inc()

		if feeds != nil {
			if ns, err := feeds.UnreadDigests(user.ID); err == nil {
				for _, n := range ns {
					h.Notify(user.ID, n)
				}
			} else {
				log.Warn().Err(err).Stringer("user", user.ID).Msg("unread digests")
			}
		}

		done := make(chan struct{})
		go pingLoop(wc, done)
		readLoop(conn)
		close(done)
		metrics.WsConnections.Dec()
		_ = conn.Close()
	}
}

// readLoop 只为探测断连而消费入站帧，通知通道是单向的。
func readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(1 << 16)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func pingLoop(wc *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := wc.ping(); err != nil {
				return
			}
		}
	}
}
