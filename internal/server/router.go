package server

import (
	"net/http"
	"time"

	"github.com/adamanteye/veloquent-core/internal/auth"
	"github.com/adamanteye/veloquent-core/internal/config"
	"github.com/adamanteye/veloquent-core/internal/metrics"
	"github.com/adamanteye/veloquent-core/internal/mw"
	"github.com/adamanteye/veloquent-core/internal/service"
	"github.com/adamanteye/veloquent-core/internal/task"
	"github.com/adamanteye/veloquent-core/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及通知连接端点。
func SetupRouter(cfg config.Config, db *gorm.DB, hub *ws.Hub, tasks *task.Pool) *gin.Engine {
	userSvc := service.NewUserService(db, cfg)
	contactSvc := service.NewContactService(db, hub, tasks)
	groupSvc := service.NewGroupService(db, hub, tasks)
	feedSvc := service.NewFeedService(db, hub, tasks)
	msgSvc := service.NewMessageService(db, feedSvc, hub, tasks)
	h := NewHandler(userSvc, contactSvc, groupSvc, feedSvc, msgSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/login", h.Login)
	r.GET("/ws", ws.Serve(hub, db, cfg, feedSvc))

	authed := r.Group("")
	authed.Use(auth.Middleware(cfg, db))

	authed.GET("/user", h.FindUser)
	authed.GET("/user/profile", h.GetProfile)
	authed.PUT("/user/profile", h.UpdateProfile)
	authed.DELETE("/user", h.DeleteUser)

	authed.POST("/contact/new/:id", h.RequestContact)
	authed.PUT("/contact/accept/:id", h.AcceptContact)
	authed.DELETE("/contact/reject/:id", h.RejectContact)
	authed.DELETE("/contact/delete/:id", h.DeleteContact)
	authed.PUT("/contact/edit/:id", h.EditContact)
	authed.GET("/contact/list", h.ListContacts)
	authed.GET("/contact/requests", h.ContactRequests)
	authed.GET("/contact/pending", h.ContactPending)

	authed.POST("/group/new", h.CreateGroup)
	authed.GET("/group/list", h.ListGroups)
	authed.GET("/group/profile/:id", h.GroupProfile)
	authed.GET("/group/pending/:id", h.GroupPending)
	authed.POST("/group/invite/:id", h.InviteGroup)
	authed.PUT("/group/approve/:id", h.ApproveGroup)
	authed.PUT("/group/manage/:id", h.ManageGroup)
	authed.PUT("/group/own/:id", h.EditOwnMember)
	authed.DELETE("/group/exit/:id", h.ExitGroup)
	authed.DELETE("/group/delete/:id", h.DeleteGroup)

	authed.POST("/msg/:id", h.SendMessage)
	authed.DELETE("/msg/:id", h.DeleteMessage)

	authed.GET("/history/:id", h.History)
	authed.PUT("/feed/ack", h.AckFeed)
	authed.DELETE("/feed/mask/:id", h.MaskFeed)
	authed.GET("/feed/unread/:id", h.UnreadFeed)

	return r
}
