package adapter

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "postbot/internal/transport"
)

func TestSplitTelegramTextKeepsFullPostWhole(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", telegramTextLimit)
	if got := splitTelegramText(s, telegramTextLimit, ""); len(got) != 1 {
		t.Fatalf("4096-char text split into %d chunks", len(got))
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("b", 40)
	s := strings.Repeat(line+"\n", 5)
	got := splitTelegramText(s, 100, "")
	for i, c := range got {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk %d too long: %d", i, len(c))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d has edge newline: %q", i, c)
		}
	}
	if strings.Join(got, "\n") != strings.TrimRight(s, "\n") {
		t.Fatal("content lost while splitting")
	}
}

func TestRecipient(t *testing.T) {
	t.Parallel()
	if r := recipient(kit.ChatTarget{ChatID: -100123}); r.Recipient() != "-100123" {
		t.Fatalf("chat id recipient = %q", r.Recipient())
	}
	if r := recipient(kit.ChatTarget{Username: "news"}); r.Recipient() != "@news" {
		t.Fatalf("username recipient = %q", r.Recipient())
	}
}

func TestReplyMarkup(t *testing.T) {
	t.Parallel()
	if replyMarkup(&kit.SendOptions{}) != nil {
		t.Fatal("markup without keyboard")
	}
	rm := replyMarkup(&kit.SendOptions{Keyboard: []string{"Once", "Daily"}})
	if rm == nil || !rm.OneTimeKeyboard || len(rm.ReplyKeyboard) != 1 || len(rm.ReplyKeyboard[0]) != 2 || rm.ReplyKeyboard[0][1].Text != "Daily" {
		t.Fatalf("keyboard markup = %+v", rm)
	}
	if rm := replyMarkup(&kit.SendOptions{RemoveKeyboard: true}); rm == nil || !rm.RemoveKeyboard {
		t.Fatalf("remove markup = %+v", rm)
	}
}

func TestToUpdate(t *testing.T) {
	t.Parallel()
	up, ok := toUpdate(&tele.Message{
		ID:     9,
		Chat:   &tele.Chat{ID: -5, Type: tele.ChatSuperGroup, Title: "Team"},
		Sender: &tele.User{ID: 7, FirstName: "Ann", LastName: "Lee", Username: "ann"},
		Text:   "/schedule",
	})
	if !ok {
		t.Fatal("toUpdate rejected message")
	}
	m := up.Message
	if !m.IsGroup || m.ChatTitle != "Team" || m.FromID != 7 || m.FromName != "Ann Lee" || m.FromUsername != "ann" || m.Text != "/schedule" {
		t.Fatalf("message = %+v", m)
	}

	up, _ = toUpdate(&tele.Message{Chat: &tele.Chat{ID: 7, Type: tele.ChatPrivate}, Sender: &tele.User{ID: 7}})
	if up.Message.IsGroup {
		t.Fatal("private chat flagged as group")
	}
	if _, ok := toUpdate(nil); ok {
		t.Fatal("nil message accepted")
	}
}

func TestClassifySendError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"chat not found", tele.ErrChatNotFound, true},
		{"blocked", tele.ErrBlockedByUser, true},
		{"kicked", fmt.Errorf("send: %w", tele.ErrKickedFromGroup), true},
		{"unlisted forbidden", errors.New("telegram: Forbidden: bot is not a member of the channel chat (403)"), true},
		{"server error", errors.New("telegram: Internal Server Error (500)"), false},
		{"network", errors.New("dial tcp: i/o timeout"), false},
	}
	for _, tc := range cases {
		got := classifySendError(tc.err)
		if kit.IsNoRetry(got) != tc.permanent {
			t.Errorf("%s: IsNoRetry = %v, want %v", tc.name, kit.IsNoRetry(got), tc.permanent)
		}
		if !errors.Is(got, tc.err) {
			t.Errorf("%s: original error lost", tc.name)
		}
	}
}
