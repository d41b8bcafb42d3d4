package service

import (
	"errors"
	"time"

	"github.com/adamanteye/veloquent-core/internal/metrics"
	"github.com/adamanteye/veloquent-core/internal/models"
	"github.com/adamanteye/veloquent-core/internal/task"
	"github.com/adamanteye/veloquent-core/internal/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// MessageService 校验并持久化新消息，然后触发投递扇出与通知推送。
type MessageService struct {
	db    *gorm.DB
	feeds *FeedService
	hub   *ws.Hub
	tasks *task.Pool
}

func NewMessageService(db *gorm.DB, feeds *FeedService, hub *ws.Hub, tasks *task.Pool) *MessageService {
	return &MessageService{db: db, feeds: feeds, hub: hub, tasks: tasks}
}

// MessagePost 是发送消息的请求数据。
type MessagePost struct {
	Type    int        `json:"type"`
	Content *string    `json:"content"`
	Cite    *uuid.UUID `json:"cite"`
	File    *uuid.UUID `json:"file"`
	Forward *uuid.UUID `json:"forward"`
	Notice  bool       `json:"notice"`
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	ID        uuid.UUID  `json:"id"`
	Session   uuid.UUID  `json:"session"`
	Sender    *uuid.UUID `json:"sender,omitempty"`
	Type      int        `json:"type"`
	Content   *string    `json:"content,omitempty"`
	Cite      *uuid.UUID `json:"cite,omitempty"`
	FwdFrom   *uuid.UUID `json:"fwd_from,omitempty"`
	File      *uuid.UUID `json:"file,omitempty"`
	Notice    bool       `json:"notice"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
}

func messageDTO(m models.Message) MessageDTO {
	return MessageDTO{
		ID:        m.ID,
		Session:   m.SessionID,
		Sender:    m.SenderID,
		Type:      m.Type,
		Content:   m.Content,
		Cite:      m.CiteID,
		FwdFrom:   m.FwdFromID,
		File:      m.FileID,
		Notice:    m.Notice,
		CreatedAt: m.CreatedAt,
		EditedAt:  m.EditedAt,
	}
}

// Send 在会话内发送消息。转发消息只存指向原消息的指针，
// 公告消息要求发送者是所在群的群主或管理员。
// 消息落库后，投递扇出与通知推送在后台任务中完成，
// 不阻塞也不晚于响应返回。
func (s *MessageService) Send(sender, session uuid.UUID, req MessagePost) (*MessageDTO, error) {
	var sess models.Session
	if err := s.db.First(&sess, "id = ?", session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFoundf("cannot find session [%s]", session)
		}
		return nil, wrap(err)
	}
	group, err := s.groupBySession(session)
	if err != nil {
		return nil, err
	}
	if req.Notice {
		if group == nil {
			return nil, Forbiddenf("contact sessions cannot carry notices")
		}
		ok, err := s.isOwnerOrAdmin(group, sender)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, Forbiddenf("only owner or admin can send notices")
		}
	}
	msg := models.Message{SessionID: session, SenderID: &sender, Notice: req.Notice}
	if req.Forward != nil {
		// 转发行是对原消息的指针，自身不携带内容
		var count int64
		err := s.db.Model(&models.Message{}).Where("id = ?", *req.Forward).Count(&count).Error
		if err != nil {
			return nil, wrap(err)
		}
		if count == 0 {
			return nil, NotFoundf("cannot find message [%s]", *req.Forward)
		}
		msg.FwdFromID = req.Forward
	} else {
		if req.Cite != nil {
			var count int64
			err := s.db.Model(&models.Message{}).Where("id = ?", *req.Cite).Count(&count).Error
			if err != nil {
				return nil, wrap(err)
			}
			if count == 0 {
				return nil, BadRequestf("cited message [%s] not found", *req.Cite)
			}
		}
		msg.Type = req.Type
		msg.Content = req.Content
		msg.CiteID = req.Cite
		msg.FileID = req.File
	}
	if err := s.db.Create(&msg).Error; err != nil {
		return nil, wrap(err)
	}
	metrics.MessagesTotal.Inc()
	s.tasks.Go(func() { s.fanOut(msg, group) })
	dto := messageDTO(msg)
	return &dto, nil
}

// fanOut 在后台创建投递记录，并向发送者之外的参与者推送未读摘要。
func (s *MessageService) fanOut(msg models.Message, group *models.Group) {
	if err := s.feeds.FanOut(msg); err != nil {
		log.Error().Err(err).Stringer("message", msg.ID).Msg("feed fan-out")
		return
	}
	users, err := s.feeds.Participants(msg.SessionID)
	if err != nil {
		log.Error().Err(err).Stringer("message", msg.ID).Msg("resolve participants")
		return
	}
	kind := ws.NotifyChats
	if group != nil {
		kind = ws.NotifyGroups
	}
	if msg.Notice {
		kind = ws.NotifyNotices
	}
	for _, u := range users {
		if msg.SenderID != nil && u == *msg.SenderID {
			continue
		}
		cnt, err := s.feeds.UnreadCount(u, msg.SessionID, msg.Notice)
		if err != nil {
			log.Warn().Err(err).Stringer("user", u).Msg("unread count")
			continue
		}
		item := ws.FeedItem{Session: msg.SessionID, Cnt: cnt}
		if group != nil {
			item.ID = group.ID
		} else {
			item.ID = counterpart(users, u)
		}
		s.hub.Notify(u, ws.Digest(kind, []ws.FeedItem{item}))
	}
}

// counterpart 返回双人会话中 user 的对端。
func counterpart(users []uuid.UUID, user uuid.UUID) uuid.UUID {
	for _, id := range users {
		if id != user {
			return id
		}
	}
	return user
}

// Delete 硬删除消息。仅发送者本人可删，公告消息的群主与管理员
// 同样可删。转发行可以再被转发，整条转发链连同相关投递记录
// 一并级联清理，不留悬空的 fwd_from 指针。
func (s *MessageService) Delete(user, msgID uuid.UUID) error {
	var msg models.Message
	if err := s.db.First(&msg, "id = ?", msgID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NotFoundf("cannot find message [%s]", msgID)
		}
		return wrap(err)
	}
	allowed := msg.SenderID != nil && *msg.SenderID == user
	if !allowed && msg.Notice {
		group, err := s.groupBySession(msg.SessionID)
		if err != nil {
			return err
		}
		if group != nil {
			allowed, err = s.isOwnerOrAdmin(group, user)
			if err != nil {
				return err
			}
		}
	}
	if !allowed {
		return Forbiddenf("cannot delete message [%s]", msgID)
	}
	return wrap(s.db.Transaction(func(tx *gorm.DB) error {
		ids := []uuid.UUID{msgID}
		frontier := []uuid.UUID{msgID}
		for len(frontier) > 0 {
			var children []models.Message
			if err := tx.Where("fwd_from_id IN ?", frontier).Find(&children).Error; err != nil {
				return err
			}
			next := make([]uuid.UUID, 0, len(children))
			for _, c := range children {
				ids = append(ids, c.ID)
				next = append(next, c.ID)
			}
			frontier = next
		}
		if err := tx.Where("message_id IN ?", ids).Delete(&models.Feed{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&models.Message{}).Error
	}))
}

func (s *MessageService) groupBySession(session uuid.UUID) (*models.Group, error) {
	var group models.Group
	err := s.db.First(&group, "session_id = ?", session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, wrap(err)
	}
	return &group, nil
}

func (s *MessageService) isOwnerOrAdmin(group *models.Group, user uuid.UUID) (bool, error) {
	if group.OwnerID == user {
		return true, nil
	}
	var count int64
	err := s.db.Model(&models.Member{}).
		Where("group_id = ? AND user_id = ? AND permission = ?",
			group.ID, user, models.PermAdmin).
		Count(&count).Error
	if err != nil {
		return false, wrap(err)
	}
	return count > 0, nil
}
