package filetoken

import (
	"context"
	"pdserver/db"
	"pdserver/models"
	"testing"
	"time"

	"github.com/google/uuid"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestCache(backing *models.FileTokenStore) (*Cache, *clock) {
	clk := &clock{t: time.Unix(1700000000, 0)}
	c := New(time.Hour, backing)
	c.Now = clk.now
	return c, clk
}

func TestIssueAndValidate(t *testing.T) {
	c, clk := newTestCache(nil)
	path := Key("com.notes", "alice", "/photos/cat.jpg")
	if path != "com.notes/alice/photos/cat.jpg" {
		t.Fatalf("Key() = %q", path)
	}
	token, err := c.Issue(path)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := c.Issue(path)
	if again != token {
		t.Error("Issue() minted a new token while the old one was valid")
	}

	tests := []struct {
		name  string
		path  string
		token string
		want  bool
	}{
		{"exact", path, token, true},
		{"other path", Key("com.notes", "alice", "photos/dog.jpg"), token, false},
		{"other owner", Key("com.notes", "bob", "photos/cat.jpg"), token, false},
		{"wrong token", path, token + "x", false},
		{"empty token", path, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Validate(tt.path, tt.token); got != tt.want {
				t.Errorf("Validate() = %v, want %v", got, tt.want)
			}
		})
	}

	clk.t = clk.t.Add(time.Hour)
	if c.Validate(path, token) {
		t.Error("expired token validated")
	}
	fresh, _ := c.Issue(path)
	if fresh == token {
		t.Error("Issue() returned an expired token")
	}
	if !c.Validate(path, fresh) {
		t.Error("reissued token rejected")
	}
}

func TestEvictExpired(t *testing.T) {
	c, clk := newTestCache(nil)
	c.Issue("a")
	clk.t = clk.t.Add(30 * time.Minute)
	c.Issue("b")
	clk.t = clk.t.Add(40 * time.Minute)
	if n := c.EvictExpired(); n != 1 {
		t.Errorf("EvictExpired() = %d, want 1", n)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestBackingSharesTokens(t *testing.T) {
	tx := db.Open("", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	if err := models.Migrate(tx); err != nil {
		t.Fatal(err)
	}
	store := models.NewFileTokenStore(tx)
	first, clk := newTestCache(store)
	second, _ := newTestCache(store)
	second.Now = clk.now
	const path = "com.notes/alice/a.txt"

	token, err := first.Issue(path)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Validate(path, token) {
		t.Error("token issued on one replica was rejected by another")
	}
	again, err := second.Issue(path)
	if err != nil {
		t.Fatal(err)
	}
	if again != token {
		t.Errorf("second replica minted %q while %q was valid", again, token)
	}

	// Another replica replaced the stored token after both cached the old one
	if err = store.Put(path, "replaced", clk.t.Add(time.Hour).Unix()); err != nil {
		t.Fatal(err)
	}
	for name, c := range map[string]*Cache{"first": first, "second": second} {
		if !c.Validate(path, "replaced") {
			t.Errorf("%s replica rejected the stored token", name)
		}
		if c.Validate(path, token) {
			t.Errorf("%s replica still accepts the replaced token", name)
		}
	}

	clk.t = clk.t.Add(2 * time.Hour)
	if first.Validate(path, "replaced") {
		t.Error("expired stored token validated")
	}
	first.EvictExpired()
	if _, _, ok, _ := store.Get(path); ok {
		t.Error("expired token still stored")
	}
}

func TestRunStops(t *testing.T) {
	c, _ := newTestCache(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
