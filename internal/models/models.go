package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 成员权限取值。
const (
	PermPending = -1
	PermMember  = 0
	PermAdmin   = 1
)

// 消息类型取值。
const (
	MsgText  = 0
	MsgImage = 1
	MsgFile  = 2
)

type User struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name         string    `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string    `gorm:"not null"`
	Alias        *string   `gorm:"size:64"`
	Email        *string   `gorm:"size:128"`
	Phone        *string   `gorm:"size:32"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session 是一条内容无关的消息通道，由联系人关系或群聊隐式创建。
type Session struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time
}

// Contact 表示 user 指向 ref_user 的单向联系关系。
// 两条互补的行共享同一个 session，即构成好友关系。
// ref_user 为 NULL 表示对方删除好友后保留的残留行。
type Contact struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_contact_pair,priority:1"`
	RefUserID *uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_contact_pair,priority:2"`
	SessionID uuid.UUID  `gorm:"type:uuid;not null;index"`
	Category  *string    `gorm:"size:64"`
	Alias     *string    `gorm:"size:64"`
	Pin       bool       `gorm:"not null;default:false"`
	Mute      bool       `gorm:"not null;default:false"`
	CreatedAt time.Time
}

type Group struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	OwnerID   uuid.UUID `gorm:"type:uuid;not null;index"`
	SessionID uuid.UUID `gorm:"type:uuid;not null;index"`
	Name      *string   `gorm:"size:128"`
	CreatedAt time.Time
}

// Member 表示群成员，permission 取值见 Perm 常量。
type Member struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	GroupID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_member_pair,priority:1"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_member_pair,priority:2"`
	Permission int       `gorm:"not null;default:0"`
	Pin        bool      `gorm:"not null;default:false"`
	Mute       bool      `gorm:"not null;default:false"`
	CreatedAt  time.Time
}

// Message 永远属于某个 session。cite 与 fwd_from 为消息间的自引用外键。
type Message struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	SessionID uuid.UUID  `gorm:"type:uuid;not null;index:idx_msg_session"`
	SenderID  *uuid.UUID `gorm:"type:uuid;index"`
	Type      int        `gorm:"not null;default:0"`
	Content   *string    `gorm:"type:text"`
	CiteID    *uuid.UUID `gorm:"type:uuid"`
	FwdFromID *uuid.UUID `gorm:"type:uuid;index"`
	FileID    *uuid.UUID `gorm:"type:uuid"`
	Notice    bool       `gorm:"not null;default:false"`
	CreatedAt time.Time
	EditedAt  *time.Time
}

// Feed 是 (接收者, 消息) 的投递与已读记录，read_at 为 NULL 表示未读。
// 删除该行即对该用户屏蔽这条消息，不影响其他接收者。
type Feed struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_feed_pair,priority:1"`
	MessageID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_feed_pair,priority:2;index"`
	ReadAt    *time.Time
	CreatedAt time.Time
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

func (s *Session) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

func (c *Contact) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

func (g *Group) BeforeCreate(*gorm.DB) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	return nil
}

func (m *Member) BeforeCreate(*gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

func (m *Message) BeforeCreate(*gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

func (f *Feed) BeforeCreate(*gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	return nil
}
