package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/adamanteye/veloquent-core/internal/auth"
	"github.com/adamanteye/veloquent-core/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
// handler 只负责参数映射与状态码翻译，业务规则都在 service 内。
type Handler struct {
	userSvc    *service.UserService
	contactSvc *service.ContactService
	groupSvc   *service.GroupService
	feedSvc    *service.FeedService
	msgSvc     *service.MessageService
}

func NewHandler(userSvc *service.UserService, contactSvc *service.ContactService, groupSvc *service.GroupService, feedSvc *service.FeedService, msgSvc *service.MessageService) *Handler {
	return &Handler{userSvc: userSvc, contactSvc: contactSvc, groupSvc: groupSvc, feedSvc: feedSvc, msgSvc: msgSvc}
}

// writeErr 把业务错误翻译为 HTTP 状态码与 {"msg"} 响应体。
func writeErr(c *gin.Context, err error) {
	var se *service.Error
	if !errors.As(err, &se) {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("unexpected error")
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "internal server error"})
		return
	}
	status := http.StatusInternalServerError
	switch se.Code {
	case service.CodeBadRequest:
		status = http.StatusBadRequest
	case service.CodeUnauthorized:
		status = http.StatusUnauthorized
	case service.CodeForbidden:
		status = http.StatusForbidden
	case service.CodeNotFound:
		status = http.StatusNotFound
	case service.CodeConflict:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Error().Str("msg", se.Msg).Str("path", c.Request.URL.Path).Msg("server error")
	}
	c.JSON(status, gin.H{"msg": se.Msg})
}

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

// Login 处理登录或注册请求，注册成功返回 201。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Name   string `json:"name"`
		Passwd string `json:"passwd"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid payload"})
		return
	}
	result, err := h.userSvc.LoginOrRegister(req.Name, req.Passwd)
	if err != nil {
		writeErr(c, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"token": result.Token})
}

// FindUser 按条件模糊查找用户。
func (h *Handler) FindUser(c *gin.Context) {
	users, err := h.userSvc.Find(service.UserFind{
		Name:  c.Query("name"),
		Alias: c.Query("alias"),
		Email: c.Query("email"),
		Phone: c.Query("phone"),
	})
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *Handler) GetProfile(c *gin.Context) {
	p, err := h.userSvc.Profile(auth.GetUserID(c))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdateProfile(c *gin.Context) {
	var req service.ProfileEdit
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid payload"})
		return
	}
	if err := h.userSvc.UpdateProfile(auth.GetUserID(c), req); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) DeleteUser(c *gin.Context) {
	if err := h.userSvc.Delete(auth.GetUserID(c)); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RequestContact 发起添加联系人请求。
func (h *Handler) RequestContact(c *gin.Context) {
	target, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.contactSvc.Request(auth.GetUserID(c), target); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) AcceptContact(c *gin.Context) {
	requester, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.contactSvc.Accept(auth.GetUserID(c), requester); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) RejectContact(c *gin.Context) {
	requester, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.contactSvc.Reject(auth.GetUserID(c), requester); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) DeleteContact(c *gin.Context) {
	peer, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.contactSvc.Delete(auth.GetUserID(c), peer); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) EditContact(c *gin.Context) {
	peer, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.ContactEdit
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid payload"})
		return
	}
	if err := h.contactSvc.Edit(auth.GetUserID(c), peer, req); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) ListContacts(c *gin.Context) {
	contacts, err := h.contactSvc.Friends(auth.GetUserID(c))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contacts": contacts})
}

// ContactRequests 返回等待自己处理的入站请求。
func (h *Handler) ContactRequests(c *gin.Context) {
	contacts, err := h.contactSvc.PendingInbound(auth.GetUserID(c))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contacts": contacts})
}

// ContactPending 返回自己发出但尚未被接受的请求。
func (h *Handler) ContactPending(c *gin.Context) {
	contacts, err := h.contactSvc.PendingOutbound(auth.GetUserID(c))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contacts": contacts})
}

// CreateGroup 建群。
func (h *Handler) CreateGroup(c *gin.Context) {
	var req struct {
		Name    *string     `json:"name"`
		Members []uuid.UUID `json:"members"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid payload"})
		return
	}
	p, err := h.groupSvc.Create(auth.GetUserID(c), req.Name, req.Members)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) GroupProfile(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	p, err := h.groupSvc.Profile(auth.GetUserID(c), id)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) ListGroups(c *gin.Context) {
	groups, err := h.groupSvc.List(auth.GetUserID(c))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

func (h *Handler) GroupPending(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	users, err := h.groupSvc.Pending(auth.GetUserID(c), id)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *Handler) InviteGroup(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var users []uuid.UUID
	if err := c.ShouldBindJSON(&users); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid payload"})
		return
	}
	if err := h.groupSvc.Invite(auth.GetUserID(c), id, users); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// ApproveGroup 审批待加入成员，query 参数 deny=true 表示拒绝。
func (h *Handler) ApproveGroup(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	member, err := uuid.Parse(c.Query("user"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid user"})
		return
	}
	deny, _ := strconv.ParseBool(c.Query("deny"))
	if err := h.groupSvc.Approve(auth.GetUserID(c), id, member, deny); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) ManageGroup(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.GroupManage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid payload"})
		return
	}
	if err := h.groupSvc.Manage(auth.GetUserID(c), id, req); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) ExitGroup(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.groupSvc.Exit(auth.GetUserID(c), id); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) DeleteGroup(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.groupSvc.Delete(auth.GetUserID(c), id); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) EditOwnMember(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.MemberEdit
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid payload"})
		return
	}
	if err := h.groupSvc.EditOwn(auth.GetUserID(c), id, req); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// SendMessage 在会话内发送消息。
func (h *Handler) SendMessage(c *gin.Context) {
	session, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.MessagePost
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid payload"})
		return
	}
	msg, err := h.msgSvc.Send(auth.GetUserID(c), session, req)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.msgSvc.Delete(auth.GetUserID(c), id); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// History 查询会话历史，窗口 [start, end) 基于时间倒序。
func (h *Handler) History(c *gin.Context) {
	session, ok := pathID(c, "id")
	if !ok {
		return
	}
	opts := service.HistoryOptions{Contains: c.Query("contains")}
	start, err := strconv.Atoi(c.DefaultQuery("start", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid start"})
		return
	}
	opts.Start = start
	end, err := strconv.Atoi(c.DefaultQuery("end", "50"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid end"})
		return
	}
	opts.End = end
	if v := c.Query("sender"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid sender"})
			return
		}
		opts.Sender = &id
	}
	if v := c.Query("type"); v != "" {
		t, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid type"})
			return
		}
		opts.Type = &t
	}
	if v := c.Query("after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid after"})
			return
		}
		opts.After = &t
	}
	if v := c.Query("ack"); v != "" {
		ack, _ := strconv.ParseBool(v)
		opts.NoAck = !ack
	}
	hist, err := h.feedSvc.QueryHistory(auth.GetUserID(c), session, opts)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, hist)
}

// AckFeed 批量标记消息已读。
func (h *Handler) AckFeed(c *gin.Context) {
	var req struct {
		Messages []uuid.UUID `json:"messages"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid payload"})
		return
	}
	if err := h.feedSvc.Ack(auth.GetUserID(c), req.Messages); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// MaskFeed 删除自己的投递记录，仅对本人隐藏该消息。
func (h *Handler) MaskFeed(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.feedSvc.Mask(auth.GetUserID(c), id); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UnreadFeed 返回某会话指定公告类别下的未读计数。
func (h *Handler) UnreadFeed(c *gin.Context) {
	session, ok := pathID(c, "id")
	if !ok {
		return
	}
	notice, _ := strconv.ParseBool(c.Query("notice"))
	cnt, err := h.feedSvc.UnreadCount(auth.GetUserID(c), session, notice)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cnt": cnt})
}
