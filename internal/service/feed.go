package service

import (
	"errors"
	"time"

	"github.com/adamanteye/veloquent-core/internal/models"
	"github.com/adamanteye/veloquent-core/internal/task"
	"github.com/adamanteye/veloquent-core/internal/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// FeedService 维护 (用户, 消息) 粒度的投递与已读记录。
type FeedService struct {
	db    *gorm.DB
	hub   *ws.Hub
	tasks *task.Pool
}

func NewFeedService(db *gorm.DB, hub *ws.Hub, tasks *task.Pool) *FeedService {
	return &FeedService{db: db, hub: hub, tasks: tasks}
}

// Participants 解析会话当前的参与者：联系人会话取两端用户，
// 群聊会话取全部非待审批成员。
func (s *FeedService) Participants(sessionID uuid.UUID) ([]uuid.UUID, error) {
	var contacts []models.Contact
	if err := s.db.Where("session_id = ?", sessionID).Find(&contacts).Error; err != nil {
		return nil, wrap(err)
	}
	if len(contacts) > 0 {
		seen := make(map[uuid.UUID]struct{}, 2)
		out := make([]uuid.UUID, 0, 2)
		for _, c := range contacts {
			ids := []uuid.UUID{c.UserID}
			if c.RefUserID != nil {
				ids = append(ids, *c.RefUserID)
			}
			for _, id := range ids {
				if _, ok := seen[id]; !ok {
					seen[id] = struct{}{}
					out = append(out, id)
				}
			}
		}
		return out, nil
	}
	var group models.Group
	err := s.db.First(&group, "session_id = ?", sessionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, wrap(err)
	}
	var members []models.Member
	err = s.db.Where("group_id = ? AND permission >= ?", group.ID, models.PermMember).
		Find(&members).Error
	if err != nil {
		return nil, wrap(err)
	}
	out := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		out = append(out, m.UserID)
	}
	return out, nil
}

// FanOut 为会话的每个参与者插入一条未读投递记录，发送者也不例外，
// 其初始已读状态交由客户端回执。
func (s *FeedService) FanOut(msg models.Message) error {
	users, err := s.Participants(msg.SessionID)
	if err != nil {
		return err
	}
	for _, u := range users {
		f := models.Feed{UserID: u, MessageID: msg.ID}
		if err := s.db.Create(&f).Error; err != nil {
			return wrap(err)
		}
	}
	return nil
}

// UnreadCount 统计某会话中指定公告类别下的未读消息数。
func (s *FeedService) UnreadCount(user, session uuid.UUID, notice bool) (int64, error) {
	var n int64
	err := s.db.Model(&models.Feed{}).
		Joins("JOIN messages ON messages.id = feeds.message_id").
		Where("feeds.user_id = ? AND messages.session_id = ? AND messages.notice = ? AND feeds.read_at IS NULL",
			user, session, notice).
		Count(&n).Error
	return n, wrap(err)
}

// Ack 把指定消息标记为已读。重复 ack 是空操作，
// 实际产生状态变化时向消息发送者推送已读回执。
func (s *FeedService) Ack(user uuid.UUID, msgIDs []uuid.UUID) error {
	if len(msgIDs) == 0 {
		return nil
	}
	var unread []models.Feed
	err := s.db.Where("user_id = ? AND message_id IN ? AND read_at IS NULL", user, msgIDs).
		Find(&unread).Error
	if err != nil {
		return wrap(err)
	}
	if len(unread) == 0 {
		return nil
	}
	acked := make([]uuid.UUID, 0, len(unread))
	for _, f := range unread {
		acked = append(acked, f.MessageID)
	}
	now := time.Now()
	err = s.db.Model(&models.Feed{}).
		Where("user_id = ? AND message_id IN ? AND read_at IS NULL", user, acked).
		Update("read_at", now).Error
	if err != nil {
		return wrap(err)
	}
	var msgs []models.Message
	if err := s.db.Where("id IN ?", acked).Find(&msgs).Error; err != nil {
		return wrap(err)
	}
	bySender := make(map[uuid.UUID][]uuid.UUID)
	for _, m := range msgs {
		if m.SenderID == nil || *m.SenderID == user {
			continue
		}
		bySender[*m.SenderID] = append(bySender[*m.SenderID], m.ID)
	}
	if len(bySender) > 0 {
		s.tasks.Go(func() {
			for sender, ids := range bySender {
				s.hub.Notify(sender, ws.ReadReceipts(ids...))
			}
		})
	}
	return nil
}

// Mask 删除调用者自己的投递记录，仅对本人隐藏这条消息。
func (s *FeedService) Mask(user, msgID uuid.UUID) error {
	res := s.db.Where("user_id = ? AND message_id = ?", user, msgID).
		Delete(&models.Feed{})
	if res.Error != nil {
		return wrap(res.Error)
	}
	if res.RowsAffected == 0 {
		return NotFoundf("no feed for message [%s]", msgID)
	}
	return nil
}

// HistoryOptions 控制历史查询的窗口与过滤条件。
// 窗口 [Start, End) 基于按时间倒序排列的消息。
type HistoryOptions struct {
	Start    int
	End      int
	Sender   *uuid.UUID
	Type     *int
	After    *time.Time
	Contains string
	// NoAck 为真时不触发对返回消息的自动已读。
	NoAck bool
}

// History 是历史查询结果，Total 为过滤后的消息总数。
type History struct {
	Messages []MessageDTO `json:"messages"`
	Total    int64        `json:"total"`
	Start    int          `json:"start"`
	End      int          `json:"end"`
}

// QueryHistory 查询会话历史。消息与调用者的投递记录做内连接，
// 用户只能看到自己持有投递记录的消息。
func (s *FeedService) QueryHistory(user, session uuid.UUID, opts HistoryOptions) (*History, error) {
	if opts.End <= opts.Start || opts.Start < 0 {
		return nil, BadRequestf("invalid history window [%d, %d)", opts.Start, opts.End)
	}
	q := s.db.Model(&models.Message{}).
		Joins("JOIN feeds ON feeds.message_id = messages.id AND feeds.user_id = ?", user).
		Where("messages.session_id = ?", session)
	if opts.Sender != nil {
		q = q.Where("messages.sender_id = ?", *opts.Sender)
	}
	if opts.Type != nil {
		q = q.Where("messages.type = ?", *opts.Type)
	}
	if opts.After != nil {
		q = q.Where("messages.created_at >= ?", *opts.After)
	}
	if opts.Contains != "" {
		q = q.Where("messages.content LIKE ?", "%"+opts.Contains+"%")
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, wrap(err)
	}
	var msgs []models.Message
	err := q.Order("messages.created_at DESC").
		Offset(opts.Start).Limit(opts.End - opts.Start).
		Find(&msgs).Error
	if err != nil {
		return nil, wrap(err)
	}
	h := &History{
		Messages: make([]MessageDTO, 0, len(msgs)),
		Total:    total,
		Start:    opts.Start,
		End:      opts.End,
	}
	ids := make([]uuid.UUID, 0, len(msgs))
	for _, m := range msgs {
		h.Messages = append(h.Messages, messageDTO(m))
		ids = append(ids, m.ID)
	}
	if !opts.NoAck && len(ids) > 0 {
		s.tasks.Go(func() {
			if err := s.Ack(user, ids); err != nil {
				log.Warn().Err(err).Stringer("user", user).Msg("history auto ack")
			}
		})
	}
	return h, nil
}

// UnreadDigests 汇总调用者全部会话的未读摘要，
// 供通知连接注册成功后的首包推送。
func (s *FeedService) UnreadDigests(user uuid.UUID) ([]ws.Notification, error) {
	// 只取反向行已存在的联系行，尚未被接受的请求还不构成会话
	var contacts []models.Contact
	err := s.db.Where(`user_id = ? AND ref_user_id IS NOT NULL AND EXISTS (
		SELECT 1 FROM contacts r
		WHERE r.user_id = contacts.ref_user_id AND r.ref_user_id = contacts.user_id
	)`, user).Find(&contacts).Error
	if err != nil {
		return nil, wrap(err)
	}
	chats := make([]ws.FeedItem, 0, len(contacts))
	for _, c := range contacts {
		cnt, err := s.UnreadCount(user, c.SessionID, false)
		if err != nil {
			return nil, err
		}
		chats = append(chats, ws.FeedItem{ID: *c.RefUserID, Session: c.SessionID, Cnt: cnt})
	}

	var memberships []models.Member
	err = s.db.Where("user_id = ? AND permission >= ?", user, models.PermMember).
		Find(&memberships).Error
	if err != nil {
		return nil, wrap(err)
	}
	groups := make([]ws.FeedItem, 0, len(memberships))
	notices := make([]ws.FeedItem, 0, len(memberships))
	for _, m := range memberships {
		var g models.Group
		if err := s.db.First(&g, "id = ?", m.GroupID).Error; err != nil {
			return nil, wrap(err)
		}
		cnt, err := s.UnreadCount(user, g.SessionID, false)
		if err != nil {
			return nil, err
		}
		groups = append(groups, ws.FeedItem{ID: g.ID, Session: g.SessionID, Cnt: cnt})
		cnt, err = s.UnreadCount(user, g.SessionID, true)
		if err != nil {
			return nil, err
		}
		notices = append(notices, ws.FeedItem{ID: g.ID, Session: g.SessionID, Cnt: cnt})
	}

	out := make([]ws.Notification, 0, 3)
	if len(chats) > 0 {
		out = append(out, ws.Digest(ws.NotifyChats, chats))
	}
	if len(groups) > 0 {
		out = append(out, ws.Digest(ws.NotifyGroups, groups))
	}
	if len(notices) > 0 {
		out = append(out, ws.Digest(ws.NotifyNotices, notices))
	}
	return out, nil
}
