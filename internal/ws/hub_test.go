package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

type recordConn struct {
	mu   sync.Mutex
	msgs [][]byte
	fail bool
}

func (r *recordConn) Push(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("closed")
	}
	r.msgs = append(r.msgs, data)
	return nil
}

func (r *recordConn) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestHubNotify(t *testing.T) {
	h := NewHub()
	user := uuid.New()
	c := &recordConn{}
	h.Register(user, c)

	h.Notify(user, ContactRequests(uuid.New()))
	if c.count() != 1 {
		t.Fatalf("pushed %d messages, want 1", c.count())
	}
	var n Notification
	if err := json.Unmarshal(c.msgs[0], &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n.Type != NotifyContactRequests || len(n.Items) != 1 {
		t.Errorf("notification = %+v", n)
	}

	// Offline users are silently skipped.
	h.Notify(uuid.New(), ContactAccepts(user))
	if c.count() != 1 {
		t.Errorf("offline notify leaked to another user")
	}
}

func TestHubRegisterReplaces(t *testing.T) {
	h := NewHub()
	user := uuid.New()
	old := &recordConn{}
	h.Register(user, old)
	if h.Online() != 1 {
		t.Fatalf("online = %d, want 1", h.Online())
	}

	// A reconnect replaces the previous connection outright.
	fresh := &recordConn{}
	h.Register(user, fresh)
	if h.Online() != 1 {
		t.Errorf("online after replace = %d, want 1", h.Online())
	}
	h.Notify(user, GroupInvites(uuid.New()))
	if old.count() != 0 || fresh.count() != 1 {
		t.Errorf("old=%d fresh=%d, want 0/1", old.count(), fresh.count())
	}
}

func TestHubPushFailure(t *testing.T) {
	h := NewHub()
	user := uuid.New()
	h.Register(user, &recordConn{fail: true})
	// A failing push is dropped without propagating.
	h.Notify(user, ReadReceipts(uuid.New()))
}

func TestHubConcurrent(t *testing.T) {
	h := NewHub()
	users := make([]uuid.UUID, 64)
	for i := range users {
		users[i] = uuid.New()
	}
	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u uuid.UUID) {
			defer wg.Done()
			h.Register(u, &recordConn{})
			for i := 0; i < 10; i++ {
				h.Notify(u, ContactRequests(uuid.New()))
			}
		}(u)
	}
	wg.Wait()
	if h.Online() != len(users) {
		t.Errorf("online = %d, want %d", h.Online(), len(users))
	}
}

func TestDigestMarshal(t *testing.T) {
	item := FeedItem{ID: uuid.New(), Session: uuid.New(), Cnt: 3}
	b, err := json.Marshal(Digest(NotifyChats, []FeedItem{item}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["feeds"]; !ok {
		t.Errorf("digest lacks feeds: %s", b)
	}
	// Item style notifications must not carry an empty feeds array.
	b, _ = json.Marshal(ContactRequests(uuid.New()))
	m = map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["feeds"]; ok {
		t.Errorf("item notification carries feeds: %s", b)
	}
	if _, ok := m["items"]; !ok {
		t.Errorf("item notification lacks items: %s", b)
	}
}
