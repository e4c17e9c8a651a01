package telegram

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

func adapterWithAllowList(users ...string) *Adapter {
	allowed := make(map[string]struct{}, len(users))
	for _, u := range users {
		allowed[u] = struct{}{}
	}
	return &Adapter{allowed: allowed}
}

func TestAllowList(t *testing.T) {
	a := adapterWithAllowList("12345", "alice")
	cases := []struct {
		uid, username string
		want          bool
	}{
		{"12345", "", true},
		{"99999", "alice", true},
		{"99999", "bob", false},
		{"99999", "", false},
	}
	for _, c := range cases {
		if got := a.allow(c.uid, c.username); got != c.want {
			t.Errorf("allow(%q, %q) = %v", c.uid, c.username, got)
		}
	}

	open := adapterWithAllowList()
	if !open.allow("anyone", "") {
		t.Error("empty allow list should admit everyone")
	}
}

func TestLimiterIsPerChat(t *testing.T) {
	a := &Adapter{limiters: make(map[int64]*rate.Limiter)}

	first := a.limiterFor(1)
	if a.limiterFor(1) != first {
		t.Fatal("same chat should reuse its limiter")
	}
	if a.limiterFor(2) == first {
		t.Fatal("chats must not share an edit rate budget")
	}
}

func TestSenderIDs(t *testing.T) {
	msg := &tgbotapi.Message{From: &tgbotapi.User{ID: 777, UserName: " alice "}}
	uid, username := senderIDs(msg)
	if uid != "777" || username != "alice" {
		t.Fatalf("senderIDs = %q, %q", uid, username)
	}

	uid, username = senderIDs(&tgbotapi.Message{})
	if uid != "" || username != "" {
		t.Fatalf("senderIDs on empty = %q, %q", uid, username)
	}
}
