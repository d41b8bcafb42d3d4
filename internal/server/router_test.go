package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adamanteye/veloquent-core/internal/config"
	"github.com/adamanteye/veloquent-core/internal/db"
	"github.com/adamanteye/veloquent-core/internal/task"
	"github.com/adamanteye/veloquent-core/internal/ws"
	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dsn := filepath.Join(t.TempDir(), "test.db")
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Config{
		JWTSecret:        "test-secret",
		Env:              "dev",
		TokenTTLHours:    1,
		HandshakeTimeout: 2 * time.Second,
	}
	tasks := task.New(1, 64)
	t.Cleanup(tasks.Stop)
	return SetupRouter(cfg, gdb, ws.NewHub(), tasks)
}

func doJSON(t *testing.T, r *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r := setupTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("healthz = %d", w.Code)
	}
}

func TestLoginFlow(t *testing.T) {
	r := setupTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/login", "", `{"name":"alice"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing passwd: %d", w.Code)
	}

	// First login registers.
	w = doJSON(t, r, http.MethodPost, "/login", "", `{"name":"alice","passwd":"pw"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register = %d, body %s", w.Code, w.Body)
	}
	var res struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil || res.Token == "" {
		t.Fatalf("login body = %s, %v", w.Body, err)
	}

	w = doJSON(t, r, http.MethodPost, "/login", "", `{"name":"alice","passwd":"pw"}`)
	if w.Code != http.StatusOK {
		t.Errorf("login = %d", w.Code)
	}
	w = doJSON(t, r, http.MethodPost, "/login", "", `{"name":"alice","passwd":"bad"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong password = %d", w.Code)
	}

	// The issued token unlocks the protected surface.
	w = doJSON(t, r, http.MethodGet, "/user/profile", res.Token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("profile = %d, body %s", w.Code, w.Body)
	}
	var profile struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &profile); err != nil || profile.Name != "alice" {
		t.Errorf("profile body = %s, %v", w.Body, err)
	}
}

func TestAuthRequired(t *testing.T) {
	r := setupTestRouter(t)
	for _, path := range []string{"/user/profile", "/contact/list", "/group/list"} {
		w := doJSON(t, r, http.MethodGet, path, "", "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s without token = %d", path, w.Code)
		}
	}
	w := doJSON(t, r, http.MethodGet, "/user/profile", "garbage", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("garbage token = %d", w.Code)
	}
}

func TestContactFlowHTTP(t *testing.T) {
	r := setupTestRouter(t)

	login := func(name string) string {
		w := doJSON(t, r, http.MethodPost, "/login", "", `{"name":"`+name+`","passwd":"pw"}`)
		if w.Code != http.StatusCreated {
			t.Fatalf("register %s = %d", name, w.Code)
		}
		var res struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
			t.Fatalf("login body: %v", err)
		}
		return res.Token
	}
	alice := login("alice")
	bob := login("bob")

	var found struct {
		Users []string `json:"users"`
	}
	w := doJSON(t, r, http.MethodGet, "/user?name=bob", alice, "")
	if w.Code != http.StatusOK {
		t.Fatalf("find = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &found); err != nil || len(found.Users) != 1 {
		t.Fatalf("find body = %s, %v", w.Body, err)
	}
	bobID := found.Users[0]

	w = doJSON(t, r, http.MethodPost, "/contact/new/"+bobID, alice, "")
	if w.Code != http.StatusOK {
		t.Fatalf("request = %d, body %s", w.Code, w.Body)
	}
	w = doJSON(t, r, http.MethodPost, "/contact/new/not-a-uuid", alice, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad id = %d", w.Code)
	}
	w = doJSON(t, r, http.MethodPost, "/contact/new/"+bobID, alice, "")
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate request = %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/contact/requests", bob, "")
	if w.Code != http.StatusOK {
		t.Fatalf("requests = %d", w.Code)
	}
	var inbound struct {
		Contacts []struct {
			User string `json:"user"`
		} `json:"contacts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &inbound); err != nil || len(inbound.Contacts) != 1 {
		t.Fatalf("requests body = %s, %v", w.Body, err)
	}
	aliceID := inbound.Contacts[0].User

	w = doJSON(t, r, http.MethodPut, "/contact/accept/"+aliceID, bob, "")
	if w.Code != http.StatusOK {
		t.Fatalf("accept = %d, body %s", w.Code, w.Body)
	}
	w = doJSON(t, r, http.MethodGet, "/contact/list", alice, "")
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	var friends struct {
		Contacts []struct {
			User    string `json:"user"`
			Session string `json:"session"`
		} `json:"contacts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &friends); err != nil || len(friends.Contacts) != 1 {
		t.Fatalf("list body = %s, %v", w.Body, err)
	}

	// Messages flow through the shared session.
	session := friends.Contacts[0].Session
	w = doJSON(t, r, http.MethodPost, "/msg/"+session, alice, `{"type":0,"content":"hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("send = %d, body %s", w.Code, w.Body)
	}
	w = doJSON(t, r, http.MethodGet, "/history/"+session+"?start=0&end=10&ack=false", bob, "")
	if w.Code != http.StatusOK {
		t.Fatalf("history = %d, body %s", w.Code, w.Body)
	}
	for _, q := range []string{"start=abc&end=10", "start=0&end=abc"} {
		w = doJSON(t, r, http.MethodGet, "/history/"+session+"?"+q, bob, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("history %s = %d, want 400", q, w.Code)
		}
	}
	var hist struct {
		Total int `json:"total"`
	}
	// Fan-out runs in the background, poll briefly for the delivery.
	deadline := time.Now().Add(2 * time.Second)
	for {
		w = doJSON(t, r, http.MethodGet, "/history/"+session+"?start=0&end=10&ack=false", bob, "")
		if err := json.Unmarshal(w.Body.Bytes(), &hist); err != nil {
			t.Fatalf("history body = %s, %v", w.Body, err)
		}
		if hist.Total == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if hist.Total != 1 {
		t.Errorf("history total = %d, want 1", hist.Total)
	}
}
