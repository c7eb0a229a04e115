package auth

import (
	"net/http"
	"net/http/httptest"
	"pdserver/access"
	"pdserver/contacts"
	"pdserver/db"
	"pdserver/models"
	"pdserver/records"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tx := db.Open("", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	if err := models.Migrate(tx); err != nil {
		t.Fatal(err)
	}
	store := records.NewGormStore(tx)
	if err := store.Migrate(); err != nil {
		t.Fatal(err)
	}
	store.Create("alice", records.GroupsTable, "", records.Record{"name": "family", "members": []string{"bob"}})
	tokens := models.NewTokenStore(tx)
	now := time.Now()
	tokens.CreateAccessToken(&models.AccessToken{Token: "good", OwnerID: "alice", RequestorID: "bob", AppName: "com.notes", Expiration: now.Add(time.Hour).Unix()})
	tokens.CreateAccessToken(&models.AccessToken{Token: "old", OwnerID: "alice", RequestorID: "bob", AppName: "com.notes", Expiration: now.Add(-time.Hour).Unix()})

	engine := gin.New()
	r := &Router{
		Base:     engine,
		Tokens:   tokens,
		Resolver: access.NewResolver(models.NewPermissionStore(tx), contacts.NewDirectory(store, "https://me.example.com")),
	}
	var got *access.Caller
	r.GET("/who", func(c *gin.Context, caller *access.Caller) {
		got = caller
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name   string
		url    string
		header string
		status int
	}{
		{"no token", "/who", "", http.StatusUnauthorized},
		{"unknown token", "/who", "Bearer nope", http.StatusUnauthorized},
		{"expired token", "/who", "Bearer old", http.StatusUnauthorized},
		{"header", "/who", "Bearer good", http.StatusOK},
		{"query", "/who?access_token=good", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = nil
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			engine.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if tt.status != http.StatusOK {
				return
			}
			want := &access.Caller{OwnerID: "alice", RequestorApp: "com.notes", RequestorUser: "bob", Groups: []string{"family"}}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("caller (-want +got):\n%s", diff)
			}
		})
	}
}
