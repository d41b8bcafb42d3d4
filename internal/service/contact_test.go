package service

import (
	"testing"

	"github.com/adamanteye/veloquent-core/internal/models"
	"github.com/adamanteye/veloquent-core/internal/ws"
	"github.com/google/uuid"
)

func TestContactRequestGuards(t *testing.T) {
	env := newTestEnv(t)
	defer env.drain()
	svc := NewContactService(env.db, env.hub, env.tasks)
	alice := env.createUser(t, "alice")

	if err := svc.Request(alice, alice); CodeOf(err) != CodeBadRequest {
		t.Errorf("self request: got %v, want bad request", err)
	}
	if err := svc.Request(alice, uuid.New()); CodeOf(err) != CodeNotFound {
		t.Errorf("unknown target: got %v, want not found", err)
	}
}

func TestContactRequestConflict(t *testing.T) {
	env := newTestEnv(t)
	defer env.drain()
	svc := NewContactService(env.db, env.hub, env.tasks)
	alice := env.createUser(t, "alice")
	bob := env.createUser(t, "bob")

	if err := svc.Request(alice, bob); err != nil {
		t.Fatalf("request: %v", err)
	}
	// Repeating in either direction conflicts with the pending edge.
	wantCode(t, svc.Request(alice, bob), CodeConflict)
	wantCode(t, svc.Request(bob, alice), CodeConflict)
}

func TestContactRequestAcceptScenario(t *testing.T) {
	env := newTestEnv(t)
	svc := NewContactService(env.db, env.hub, env.tasks)
	alice := env.createUser(t, "alice")
	bob := env.createUser(t, "bob")
	aliceConn := &fakeConn{}
	bobConn := &fakeConn{}
	env.hub.Register(alice, aliceConn)
	env.hub.Register(bob, bobConn)

	if err := svc.Request(alice, bob); err != nil {
		t.Fatalf("request: %v", err)
	}

	// Before acceptance: one pending edge, no friendship either way.
	out, err := svc.PendingOutbound(alice)
	if err != nil || len(out) != 1 || out[0].User != bob {
		t.Fatalf("pending outbound = %v, %v", out, err)
	}
	in, err := svc.PendingInbound(bob)
	if err != nil || len(in) != 1 || in[0].User != alice {
		t.Fatalf("pending inbound = %v, %v", in, err)
	}
	if friends, _ := svc.Friends(alice); len(friends) != 0 {
		t.Fatalf("friends before accept = %v", friends)
	}

	if err := svc.Accept(bob, alice); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Friendship is symmetric and both rows share one session.
	af, err := svc.Friends(alice)
	if err != nil || len(af) != 1 || af[0].User != bob {
		t.Fatalf("alice friends = %v, %v", af, err)
	}
	bf, err := svc.Friends(bob)
	if err != nil || len(bf) != 1 || bf[0].User != alice {
		t.Fatalf("bob friends = %v, %v", bf, err)
	}
	if af[0].Session != bf[0].Session {
		t.Errorf("sessions differ: %s vs %s", af[0].Session, bf[0].Session)
	}
	if out, _ := svc.PendingOutbound(alice); len(out) != 0 {
		t.Errorf("pending outbound after accept = %v", out)
	}
	if in, _ := svc.PendingInbound(bob); len(in) != 0 {
		t.Errorf("pending inbound after accept = %v", in)
	}

	env.drain()
	reqs := bobConn.received(ws.NotifyContactRequests)
	if len(reqs) != 1 || len(reqs[0].Items) != 1 || reqs[0].Items[0] != alice {
		t.Errorf("bob notifications = %+v", bobConn.msgs)
	}
	accs := aliceConn.received(ws.NotifyContactAccepts)
	if len(accs) != 1 || len(accs[0].Items) != 1 || accs[0].Items[0] != bob {
		t.Errorf("alice notifications = %+v", aliceConn.msgs)
	}
}

func TestContactAcceptGuards(t *testing.T) {
	env := newTestEnv(t)
	defer env.drain()
	svc := NewContactService(env.db, env.hub, env.tasks)
	alice := env.createUser(t, "alice")
	bob := env.createUser(t, "bob")

	wantCode(t, svc.Accept(bob, bob), CodeBadRequest)
	wantCode(t, svc.Accept(bob, alice), CodeNotFound)

	if err := svc.Request(alice, bob); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := svc.Accept(bob, alice); err != nil {
		t.Fatalf("accept: %v", err)
	}
	wantCode(t, svc.Accept(bob, alice), CodeConflict)
}

func TestContactReject(t *testing.T) {
	env := newTestEnv(t)
	defer env.drain()
	svc := NewContactService(env.db, env.hub, env.tasks)
	alice := env.createUser(t, "alice")
	bob := env.createUser(t, "bob")

	wantCode(t, svc.Reject(bob, alice), CodeNotFound)

	if err := svc.Request(alice, bob); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := svc.Reject(bob, alice); err != nil {
		t.Fatalf("reject: %v", err)
	}
	var count int64
	env.db.Model(&models.Contact{}).Count(&count)
	if count != 0 {
		t.Errorf("contact rows after reject = %d, want 0", count)
	}

	// An established friendship cannot be rejected away.
	if err := svc.Request(alice, bob); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := svc.Accept(bob, alice); err != nil {
		t.Fatalf("accept: %v", err)
	}
	wantCode(t, svc.Reject(bob, alice), CodeConflict)
}

func TestContactDeleteKeepsRows(t *testing.T) {
	env := newTestEnv(t)
	defer env.drain()
	svc := NewContactService(env.db, env.hub, env.tasks)
	alice := env.createUser(t, "alice")
	bob := env.createUser(t, "bob")

	wantCode(t, svc.Delete(alice, bob), CodeNotFound)

	if err := svc.Request(alice, bob); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := svc.Accept(bob, alice); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := svc.Delete(alice, bob); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Both rows survive with the reference cleared so aliases and
	// session history remain reachable.
	var rows []models.Contact
	if err := env.db.Find(&rows).Error; err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows after delete = %d, want 2", len(rows))
	}
	for _, r := range rows {
		if r.RefUserID != nil {
			t.Errorf("row %s still references %s", r.ID, *r.RefUserID)
		}
	}
	if friends, _ := svc.Friends(alice); len(friends) != 0 {
		t.Errorf("friends after delete = %v", friends)
	}
}

func TestContactEdit(t *testing.T) {
	env := newTestEnv(t)
	defer env.drain()
	svc := NewContactService(env.db, env.hub, env.tasks)
	alice := env.createUser(t, "alice")
	bob := env.createUser(t, "bob")

	alias := "bobby"
	pin := true
	wantCode(t, svc.Edit(alice, bob, ContactEdit{Alias: &alias}), CodeNotFound)

	if err := svc.Request(alice, bob); err != nil {
		t.Fatalf("request: %v", err)
	}
	// A pending edge is not editable yet.
	wantCode(t, svc.Edit(alice, bob, ContactEdit{Alias: &alias}), CodeNotFound)

	if err := svc.Accept(bob, alice); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := svc.Edit(alice, bob, ContactEdit{Alias: &alias, Pin: &pin}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	friends, err := svc.Friends(alice)
	if err != nil || len(friends) != 1 {
		t.Fatalf("friends = %v, %v", friends, err)
	}
	if friends[0].Alias == nil || *friends[0].Alias != alias || !friends[0].Pin {
		t.Errorf("edited contact = %+v", friends[0])
	}
	// The peer view stays untouched.
	bf, _ := svc.Friends(bob)
	if len(bf) != 1 || bf[0].Alias != nil || bf[0].Pin {
		t.Errorf("peer contact = %+v", bf)
	}
}
