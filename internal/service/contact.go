package service

import (
	"errors"
	"time"

	"github.com/adamanteye/veloquent-core/internal/models"
	"github.com/adamanteye/veloquent-core/internal/task"
	"github.com/adamanteye/veloquent-core/internal/ws"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ContactService 管理单向联系边、好友配对以及随之创建的会话。
type ContactService struct {
	db    *gorm.DB
	hub   *ws.Hub
	tasks *task.Pool
}

func NewContactService(db *gorm.DB, hub *ws.Hub, tasks *task.Pool) *ContactService {
	return &ContactService{db: db, hub: hub, tasks: tasks}
}

// ContactDTO 是对外输出的联系人数据，User 为对端用户主键。
type ContactDTO struct {
	User      uuid.UUID `json:"user"`
	Session   uuid.UUID `json:"session"`
	Alias     *string   `json:"alias,omitempty"`
	Category  *string   `json:"category,omitempty"`
	Pin       bool      `json:"pin"`
	Mute      bool      `json:"mute"`
	CreatedAt time.Time `json:"created_at"`
}

// Request 向 target 发起添加联系人请求，任一方向已有关系则冲突。
func (s *ContactService) Request(requester, target uuid.UUID) error {
	if requester == target {
		return BadRequestf("cannot add self as contact")
	}
	var peer models.User
	if err := s.db.First(&peer, "id = ?", target).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NotFoundf("cannot find user [%s]", target)
		}
		return wrap(err)
	}
	var count int64
	err := s.db.Model(&models.Contact{}).
		Where("(user_id = ? AND ref_user_id = ?) OR (user_id = ? AND ref_user_id = ?)",
			requester, target, target, requester).
		Count(&count).Error
	if err != nil {
		return wrap(err)
	}
	if count > 0 {
		return Conflictf("contact relation exists [%s:%s]", requester, target)
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		sess := models.Session{}
		if err := tx.Create(&sess).Error; err != nil {
			return err
		}
		row := models.Contact{UserID: requester, RefUserID: &target, SessionID: sess.ID}
		return tx.Create(&row).Error
	})
	if err != nil {
		return wrap(err)
	}
	s.tasks.Go(func() { s.hub.Notify(target, ws.ContactRequests(requester)) })
	return nil
}

// Accept 接受 requester 的请求，复用其会话补齐反向行，好友关系成立。
func (s *ContactService) Accept(acceptor, requester uuid.UUID) error {
	if acceptor == requester {
		return BadRequestf("cannot accept self")
	}
	var count int64
	err := s.db.Model(&models.Contact{}).
		Where("user_id = ? AND ref_user_id = ?", acceptor, requester).
		Count(&count).Error
	if err != nil {
		return wrap(err)
	}
	if count > 0 {
		return Conflictf("already accepted [%s]", requester)
	}
	var req models.Contact
	err = s.db.Where("user_id = ? AND ref_user_id = ?", requester, acceptor).First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NotFoundf("no contact request from [%s]", requester)
		}
		return wrap(err)
	}
	row := models.Contact{UserID: acceptor, RefUserID: &requester, SessionID: req.SessionID}
	if err := s.db.Create(&row).Error; err != nil {
		return wrap(err)
	}
	s.tasks.Go(func() { s.hub.Notify(requester, ws.ContactAccepts(acceptor)) })
	return nil
}

// Reject 拒绝尚未成立的请求，请求行被整行删除。
func (s *ContactService) Reject(rejecter, requester uuid.UUID) error {
	var count int64
	err := s.db.Model(&models.Contact{}).
		Where("user_id = ? AND ref_user_id = ?", rejecter, requester).
		Count(&count).Error
	if err != nil {
		return wrap(err)
	}
	if count > 0 {
		return Conflictf("already friends with [%s], delete instead", requester)
	}
	res := s.db.Where("user_id = ? AND ref_user_id = ?", requester, rejecter).
		Delete(&models.Contact{})
	if res.Error != nil {
		return wrap(res.Error)
	}
	if res.RowsAffected == 0 {
		return NotFoundf("no contact request from [%s]", requester)
	}
	return nil
}

// Delete 解除好友关系。两行都保留并把 ref_user 置空，
// 别名、分组与会话历史得以留存。
func (s *ContactService) Delete(user, peer uuid.UUID) error {
	var rows []models.Contact
	err := s.db.Where("(user_id = ? AND ref_user_id = ?) OR (user_id = ? AND ref_user_id = ?)",
		user, peer, peer, user).Find(&rows).Error
	if err != nil {
		return wrap(err)
	}
	if len(rows) < 2 {
		return NotFoundf("not friends with [%s]", peer)
	}
	ids := []uuid.UUID{rows[0].ID, rows[1].ID}
	err = s.db.Model(&models.Contact{}).Where("id IN ?", ids).
		Update("ref_user_id", nil).Error
	return wrap(err)
}

// ContactEdit 中为 nil 的字段不参与修改。
type ContactEdit struct {
	Alias    *string `json:"alias"`
	Category *string `json:"category"`
	Pin      *bool   `json:"pin"`
	Mute     *bool   `json:"mute"`
}

// Edit 修改自己一侧联系行的展示字段，要求双方仍为好友。
func (s *ContactService) Edit(user, peer uuid.UUID, edit ContactEdit) error {
	var count int64
	err := s.db.Model(&models.Contact{}).
		Where("user_id = ? AND ref_user_id = ?", peer, user).
		Count(&count).Error
	if err != nil {
		return wrap(err)
	}
	if count == 0 {
		return NotFoundf("not friends with [%s]", peer)
	}
	var own models.Contact
	err = s.db.Where("user_id = ? AND ref_user_id = ?", user, peer).First(&own).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NotFoundf("not friends with [%s]", peer)
		}
		return wrap(err)
	}
	updates := map[string]any{}
	if edit.Alias != nil {
		updates["alias"] = *edit.Alias
	}
	if edit.Category != nil {
		updates["category"] = *edit.Category
	}
	if edit.Pin != nil {
		updates["pin"] = *edit.Pin
	}
	if edit.Mute != nil {
		updates["mute"] = *edit.Mute
	}
	if len(updates) == 0 {
		return nil
	}
	return wrap(s.db.Model(&own).Updates(updates).Error)
}

// 列表查询都以单条 SQL 表达两个方向行的存在性判断，
// 避免在应用层做两次查询之间产生竞态。

// Friends 返回双向行都存在的联系人。
func (s *ContactService) Friends(user uuid.UUID) ([]ContactDTO, error) {
	var rows []models.Contact
	err := s.db.Raw(`SELECT c.* FROM contacts c
		JOIN contacts r ON r.user_id = c.ref_user_id AND r.ref_user_id = c.user_id
		WHERE c.user_id = ?`, user).Scan(&rows).Error
	if err != nil {
		return nil, wrap(err)
	}
	return outboundDTOs(rows), nil
}

// PendingOutbound 返回自己发出但对方尚未接受的请求。
func (s *ContactService) PendingOutbound(user uuid.UUID) ([]ContactDTO, error) {
	var rows []models.Contact
	err := s.db.Raw(`SELECT c.* FROM contacts c
		WHERE c.user_id = ? AND c.ref_user_id IS NOT NULL
		AND NOT EXISTS (
			SELECT 1 FROM contacts r
			WHERE r.user_id = c.ref_user_id AND r.ref_user_id = c.user_id
		)`, user).Scan(&rows).Error
	if err != nil {
		return nil, wrap(err)
	}
	return outboundDTOs(rows), nil
}

// PendingInbound 返回等待自己处理的新请求。
func (s *ContactService) PendingInbound(user uuid.UUID) ([]ContactDTO, error) {
	var rows []models.Contact
	err := s.db.Raw(`SELECT c.* FROM contacts c
		WHERE c.ref_user_id = ?
		AND NOT EXISTS (
			SELECT 1 FROM contacts r
			WHERE r.user_id = c.ref_user_id AND r.ref_user_id = c.user_id
		)`, user).Scan(&rows).Error
	if err != nil {
		return nil, wrap(err)
	}
	out := make([]ContactDTO, 0, len(rows))
	for _, r := range rows {
		out = append(out, ContactDTO{
			User:      r.UserID,
			Session:   r.SessionID,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

func outboundDTOs(rows []models.Contact) []ContactDTO {
	out := make([]ContactDTO, 0, len(rows))
	for _, r := range rows {
		if r.RefUserID == nil {
			continue
		}
		out = append(out, ContactDTO{
			User:      *r.RefUserID,
			Session:   r.SessionID,
			Alias:     r.Alias,
			Category:  r.Category,
			Pin:       r.Pin,
			Mute:      r.Mute,
			CreatedAt: r.CreatedAt,
		})
	}
	return out
}
