package service

import (
	"errors"
	"sort"
	"time"

	"github.com/adamanteye/veloquent-core/internal/models"
	"github.com/adamanteye/veloquent-core/internal/task"
	"github.com/adamanteye/veloquent-core/internal/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// GroupService 管理群聊的创建、成员角色与权限受控的状态转移。
type GroupService struct {
	db    *gorm.DB
	hub   *ws.Hub
	tasks *task.Pool
}

func NewGroupService(db *gorm.DB, hub *ws.Hub, tasks *task.Pool) *GroupService {
	return &GroupService{db: db, hub: hub, tasks: tasks}
}

// GroupProfile 是对外输出的群聊数据。Members 为 permission 0 的成员
// (含群主)，Admins 为 permission 1 的成员，待审批成员不出现在两者中。
type GroupProfile struct {
	ID        uuid.UUID   `json:"id"`
	Name      *string     `json:"name,omitempty"`
	Owner     uuid.UUID   `json:"owner"`
	Session   uuid.UUID   `json:"session"`
	CreatedAt time.Time   `json:"created_at"`
	Members   []uuid.UUID `json:"members"`
	Admins    []uuid.UUID `json:"admins"`
	Pin       bool        `json:"pin"`
	Mute      bool        `json:"mute"`
}

// Create 建群。成员列表去重并自动包含群主，至少需要两个不同成员。
func (s *GroupService) Create(owner uuid.UUID, name *string, memberIDs []uuid.UUID) (*GroupProfile, error) {
	ids := append(memberIDs, owner)
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	uniq := ids[:0]
	for i, id := range ids {
		if i == 0 || ids[i-1] != id {
			uniq = append(uniq, id)
		}
	}
	if len(uniq) < 2 {
		return nil, BadRequestf("at least 2 members")
	}
	var group models.Group
	err := s.db.Transaction(func(tx *gorm.DB) error {
		sess := models.Session{}
		if err := tx.Create(&sess).Error; err != nil {
			return err
		}
		group = models.Group{OwnerID: owner, SessionID: sess.ID, Name: name}
		if err := tx.Create(&group).Error; err != nil {
			return err
		}
		for _, id := range uniq {
			m := models.Member{GroupID: group.ID, UserID: id, Permission: models.PermMember}
			if err := tx.Create(&m).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap(err)
	}
	return s.Profile(owner, group.ID)
}

// Profile 返回群聊信息与调用者自己的置顶、免打扰标记。
func (s *GroupService) Profile(caller, groupID uuid.UUID) (*GroupProfile, error) {
	group, err := s.findGroup(groupID)
	if err != nil {
		return nil, err
	}
	var rows []models.Member
	err = s.db.Where("group_id = ? AND permission >= ?", groupID, models.PermMember).
		Find(&rows).Error
	if err != nil {
		return nil, wrap(err)
	}
	p := &GroupProfile{
		ID:        group.ID,
		Name:      group.Name,
		Owner:     group.OwnerID,
		Session:   group.SessionID,
		CreatedAt: group.CreatedAt,
		Members:   make([]uuid.UUID, 0, len(rows)),
		Admins:    make([]uuid.UUID, 0),
	}
	for _, m := range rows {
		if m.UserID == caller {
			p.Pin = m.Pin
			p.Mute = m.Mute
		}
		if m.Permission == models.PermAdmin {
			p.Admins = append(p.Admins, m.UserID)
		} else {
			p.Members = append(p.Members, m.UserID)
		}
	}
	return p, nil
}

// List 返回调用者所在的全部群聊。
func (s *GroupService) List(user uuid.UUID) ([]GroupProfile, error) {
	var rows []models.Member
	if err := s.db.Where("user_id = ?", user).Find(&rows).Error; err != nil {
		return nil, wrap(err)
	}
	out := make([]GroupProfile, 0, len(rows))
	for _, m := range rows {
		p, err := s.Profile(user, m.GroupID)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// Pending 返回待审批成员，仅群主与管理员可见。
func (s *GroupService) Pending(caller, groupID uuid.UUID) ([]uuid.UUID, error) {
	group, err := s.findGroup(groupID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAdmin(group, caller); err != nil {
		return nil, err
	}
	var rows []models.Member
	err = s.db.Where("group_id = ? AND permission = ?", groupID, models.PermPending).
		Find(&rows).Error
	if err != nil {
		return nil, wrap(err)
	}
	out := make([]uuid.UUID, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.UserID)
	}
	return out, nil
}

// Invite 邀请用户入群，邀请者必须是非待审批成员。被邀请者以
// permission -1 入表，同时通知群主、管理员与被邀请者本人。
func (s *GroupService) Invite(inviter, groupID uuid.UUID, users []uuid.UUID) error {
	group, err := s.findGroup(groupID)
	if err != nil {
		return err
	}
	var me models.Member
	err = s.db.Where("group_id = ? AND user_id = ?", groupID, inviter).First(&me).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NotFoundf("inviter not in group [%s]", groupID)
		}
		return wrap(err)
	}
	if me.Permission < models.PermMember {
		return Forbiddenf("pending member cannot invite")
	}
	reviewers, err := s.adminIDs(group)
	if err != nil {
		return err
	}
	for _, u := range users {
		var peer models.User
		if err := s.db.First(&peer, "id = ?", u).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return NotFoundf("cannot find user [%s]", u)
			}
			return wrap(err)
		}
		var count int64
		err := s.db.Model(&models.Member{}).
			Where("group_id = ? AND user_id = ?", groupID, u).
			Count(&count).Error
		if err != nil {
			return wrap(err)
		}
		if count > 0 {
			continue
		}
		m := models.Member{GroupID: groupID, UserID: u, Permission: models.PermPending}
		if err := s.db.Create(&m).Error; err != nil {
			return wrap(err)
		}
		invitee := u
		s.tasks.Go(func() {
			s.hub.Notify(invitee, ws.GroupInvites(groupID))
			for _, r := range reviewers {
				s.hub.Notify(r, ws.GroupRequests(invitee))
			}
		})
	}
	return nil
}

// Approve 审批待加入成员，deny 为真时删除待审批行。
func (s *GroupService) Approve(approver, groupID, member uuid.UUID, deny bool) error {
	group, err := s.findGroup(groupID)
	if err != nil {
		return err
	}
	if err := s.requireAdmin(group, approver); err != nil {
		return err
	}
	var m models.Member
	err = s.db.Where("group_id = ? AND user_id = ?", groupID, member).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NotFoundf("no such member [%s]", member)
		}
		return wrap(err)
	}
	if m.Permission != models.PermPending {
		return BadRequestf("member [%s] already active", member)
	}
	if deny {
		return wrap(s.db.Delete(&m).Error)
	}
	if err := s.db.Model(&m).Update("permission", models.PermMember).Error; err != nil {
		return wrap(err)
	}
	s.tasks.Go(func() { s.hub.Notify(member, ws.GroupApproves(groupID)) })
	return nil
}

// GroupManage 描述一次管理操作，四个字段互相独立。
type GroupManage struct {
	// 转让群主
	Owner *uuid.UUID `json:"owner"`
	// 授予管理员
	Admin *uuid.UUID `json:"admin"`
	// 撤销管理员
	Revoke *uuid.UUID `json:"revoke"`
	// 移除成员
	Remove *uuid.UUID `json:"remove"`
}

// Manage 按字段分派到各管理子操作。
func (s *GroupService) Manage(actor, groupID uuid.UUID, req GroupManage) error {
	switch {
	case req.Owner != nil:
		return s.Transfer(actor, groupID, *req.Owner)
	case req.Admin != nil:
		return s.SetAdmin(actor, groupID, *req.Admin, true)
	case req.Revoke != nil:
		return s.SetAdmin(actor, groupID, *req.Revoke, false)
	case req.Remove != nil:
		return s.RemoveMember(actor, groupID, *req.Remove)
	}
	return BadRequestf("empty manage request")
}

// Transfer 转让群主，仅现任群主可操作，目标须是非待审批成员。
// 目标若是管理员则同时降回普通成员。
func (s *GroupService) Transfer(actor, groupID, newOwner uuid.UUID) error {
	group, err := s.findGroup(groupID)
	if err != nil {
		return err
	}
	if group.OwnerID != actor {
		return Forbiddenf("only owner can transfer group")
	}
	if newOwner == actor {
		return BadRequestf("cannot transfer to self")
	}
	var m models.Member
	err = s.db.Where("group_id = ? AND user_id = ? AND permission >= ?",
		groupID, newOwner, models.PermMember).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NotFoundf("no such member [%s]", newOwner)
		}
		return wrap(err)
	}
	return wrap(s.db.Transaction(func(tx *gorm.DB) error {
		if m.Permission == models.PermAdmin {
			if err := tx.Model(&m).Update("permission", models.PermMember).Error; err != nil {
				return err
			}
		}
		return tx.Model(&models.Group{}).Where("id = ?", groupID).
			Update("owner_id", newOwner).Error
	}))
}

// SetAdmin 授予或撤销管理员，仅群主可操作。
func (s *GroupService) SetAdmin(actor, groupID, target uuid.UUID, grant bool) error {
	group, err := s.findGroup(groupID)
	if err != nil {
		return err
	}
	if group.OwnerID != actor {
		return Forbiddenf("only owner can manage admins")
	}
	if target == actor {
		return BadRequestf("owner is not an admin")
	}
	var m models.Member
	err = s.db.Where("group_id = ? AND user_id = ? AND permission >= ?",
		groupID, target, models.PermMember).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NotFoundf("no such member [%s]", target)
		}
		return wrap(err)
	}
	perm := models.PermMember
	if grant {
		perm = models.PermAdmin
	}
	return wrap(s.db.Model(&m).Update("permission", perm).Error)
}

// RemoveMember 把成员移出群聊。群主或管理员可操作，但移除管理员
// 需要群主身份，且不能经此路径移除群主或自己。
func (s *GroupService) RemoveMember(actor, groupID, target uuid.UUID) error {
	group, err := s.findGroup(groupID)
	if err != nil {
		return err
	}
	if err := s.requireAdmin(group, actor); err != nil {
		return err
	}
	if target == group.OwnerID {
		return BadRequestf("cannot remove group owner")
	}
	if target == actor {
		return BadRequestf("cannot remove self, exit instead")
	}
	var m models.Member
	err = s.db.Where("group_id = ? AND user_id = ?", groupID, target).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NotFoundf("no such member [%s]", target)
		}
		return wrap(err)
	}
	if m.Permission == models.PermAdmin && group.OwnerID != actor {
		return Forbiddenf("only owner can remove an admin")
	}
	return wrap(s.db.Delete(&m).Error)
}

// Exit 退出群聊。群主必须先转让才能退出。
func (s *GroupService) Exit(user, groupID uuid.UUID) error {
	group, err := s.findGroup(groupID)
	if err != nil {
		return err
	}
	if group.OwnerID == user {
		return Forbiddenf("owner must transfer group before exit")
	}
	res := s.db.Where("group_id = ? AND user_id = ?", groupID, user).
		Delete(&models.Member{})
	if res.Error != nil {
		return wrap(res.Error)
	}
	if res.RowsAffected == 0 {
		return NotFoundf("not in group [%s]", groupID)
	}
	return nil
}

// Delete 整群删除，仅群主可操作，会话、成员、消息与投递记录一并清理。
func (s *GroupService) Delete(actor, groupID uuid.UUID) error {
	group, err := s.findGroup(groupID)
	if err != nil {
		return err
	}
	if group.OwnerID != actor {
		return Forbiddenf("only owner can delete group")
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id IN (?)",
			tx.Model(&models.Message{}).Select("id").Where("session_id = ?", group.SessionID),
		).Delete(&models.Feed{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", group.SessionID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("group_id = ?", groupID).Delete(&models.Member{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.Group{}, "id = ?", groupID).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Session{}, "id = ?", group.SessionID).Error
	})
	if err != nil {
		return wrap(err)
	}
	log.Info().Stringer("group", groupID).Msg("delete group")
	return nil
}

// MemberEdit 中为 nil 的字段不参与修改。
type MemberEdit struct {
	Pin  *bool `json:"pin"`
	Mute *bool `json:"mute"`
}

// EditOwn 修改调用者自己成员行的置顶与免打扰标记。
func (s *GroupService) EditOwn(user, groupID uuid.UUID, edit MemberEdit) error {
	var m models.Member
	err := s.db.Where("group_id = ? AND user_id = ?", groupID, user).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NotFoundf("not in group [%s]", groupID)
		}
		return wrap(err)
	}
	updates := map[string]any{}
	if edit.Pin != nil {
		updates["pin"] = *edit.Pin
	}
	if edit.Mute != nil {
		updates["mute"] = *edit.Mute
	}
	if len(updates) == 0 {
		return nil
	}
	return wrap(s.db.Model(&m).Updates(updates).Error)
}

func (s *GroupService) findGroup(groupID uuid.UUID) (*models.Group, error) {
	var group models.Group
	if err := s.db.First(&group, "id = ?", groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFoundf("cannot find group [%s]", groupID)
		}
		return nil, wrap(err)
	}
	return &group, nil
}

// requireAdmin 要求 user 是群主或管理员。
func (s *GroupService) requireAdmin(group *models.Group, user uuid.UUID) error {
	if group.OwnerID == user {
		return nil
	}
	var count int64
	err := s.db.Model(&models.Member{}).
		Where("group_id = ? AND user_id = ? AND permission = ?",
			group.ID, user, models.PermAdmin).
		Count(&count).Error
	if err != nil {
		return wrap(err)
	}
	if count == 0 {
		return Forbiddenf("requires owner or admin")
	}
	return nil
}

// adminIDs 返回群主加全部管理员，用作审批类通知的接收者。
func (s *GroupService) adminIDs(group *models.Group) ([]uuid.UUID, error) {
	var rows []models.Member
	err := s.db.Where("group_id = ? AND permission = ?", group.ID, models.PermAdmin).
		Find(&rows).Error
	if err != nil {
		return nil, wrap(err)
	}
	out := []uuid.UUID{group.OwnerID}
	for _, m := range rows {
		if m.UserID != group.OwnerID {
			out = append(out, m.UserID)
		}
	}
	return out, nil
}
