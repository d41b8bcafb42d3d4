package ws

import "github.com/google/uuid"

// 通知类别，对应客户端侧的封闭联合类型。
const (
	NotifyGroups          = "Groups"
	NotifyChats           = "Chats"
	NotifyNotices         = "Notices"
	NotifyContactRequests = "ContactRequests"
	NotifyContactAccepts  = "ContactAccepts"
	NotifyGroupInvites    = "GroupInvites"
	NotifyGroupRequests   = "GroupRequests"
	NotifyGroupApproves   = "GroupApproves"
	NotifyReadReceipts    = "ReadReceipts"
)

// FeedItem 是某个会话的未读摘要。
type FeedItem struct {
	// 对端用户或群聊的主键
	ID uuid.UUID `json:"id"`
	// 会话主键
	Session uuid.UUID `json:"session"`
	// 未读消息计数
	Cnt int64 `json:"cnt"`
}

// Notification 是推送给客户端的通知载荷。Type 指明类别，
// Feeds 仅在未读摘要类通知中出现，Items 仅在其余类别中出现。
type Notification struct {
	Type  string      `json:"type"`
	Feeds []FeedItem  `json:"feeds,omitempty"`
	Items []uuid.UUID `json:"items,omitempty"`
}

// Digest 构造未读摘要通知，kind 取 NotifyGroups、NotifyChats 或 NotifyNotices。
func Digest(kind string, feeds []FeedItem) Notification {
	return Notification{Type: kind, Feeds: feeds}
}

func ContactRequests(from ...uuid.UUID) Notification {
	return Notification{Type: NotifyContactRequests, Items: from}
}

func ContactAccepts(from ...uuid.UUID) Notification {
	return Notification{Type: NotifyContactAccepts, Items: from}
}

func GroupInvites(groups ...uuid.UUID) Notification {
	return Notification{Type: NotifyGroupInvites, Items: groups}
}

func GroupRequests(users ...uuid.UUID) Notification {
	return Notification{Type: NotifyGroupRequests, Items: users}
}

func GroupApproves(groups ...uuid.UUID) Notification {
	return Notification{Type: NotifyGroupApproves, Items: groups}
}

func ReadReceipts(messages ...uuid.UUID) Notification {
	return Notification{Type: NotifyReadReceipts, Items: messages}
}
