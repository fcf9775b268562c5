// Package bot is the chat command surface: it maps commands and free text
// onto the session machine, the posts service and the admin report.
package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"postbot/internal/activity"
	"postbot/internal/admin"
	"postbot/internal/posts"
	"postbot/internal/session"
	kit "postbot/internal/transport"
	"postbot/internal/transport/telegram/router"
	logx "postbot/pkg/logx"
)

const (
	msgStart = "I can schedule posts for you.\n\n" +
		"Commands:\n" +
		"/schedule - Schedule a new post\n" +
		"/batch - Schedule several posts at once\n" +
		"/list - View scheduled posts\n" +
		"/edit - Change a scheduled post\n" +
		"/delete - Delete a scheduled post\n" +
		"/cancel - Cancel current operation"
	msgNoPosts      = "You have no scheduled posts."
	msgDenied       = "This command is only available to the bot operator."
	msgNoChannel    = "No destination channel is configured. Ask the operator to set one."
	msgNothingToEnd = "Nothing to cancel."
)

// Posts is the read side of posts.Service the command surface needs.
type Posts interface {
	ListByOwner(owner int64) []posts.Delivery
}

type Options struct {
	Posts    Posts
	Sessions *session.Machine
	Activity *activity.Tracker
	Admin    *admin.Aggregator
	Channel  posts.Destination
	Log      logx.Logger
}

type Bot struct {
	posts    Posts
	sessions *session.Machine
	activity *activity.Tracker
	admin    *admin.Aggregator
	log      logx.Logger

	mu      sync.RWMutex
	channel posts.Destination
}

func New(opt Options) *Bot {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bot{
		posts:    opt.Posts,
		sessions: opt.Sessions,
		activity: opt.Activity,
		admin:    opt.Admin,
		log:      log.With(logx.String("comp", "bot")),
		channel:  opt.Channel,
	}
}

// SetChannel changes the default destination for posts created outside
// group chats. Posts already scheduled keep theirs.
func (b *Bot) SetChannel(d posts.Destination) {
	b.mu.Lock()
	b.channel = d
	b.mu.Unlock()
}

func (b *Bot) Channel() posts.Destination {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.channel
}

// Register installs commands, the greeting middleware and the text
// fallback on m.
func (b *Bot) Register(m *router.CommandManager) {
	m.Use(b.Greet())
	m.SetFallback(b.HandleText)
	m.SetRegistry(b.Commands())
}

func (b *Bot) Commands() []router.Command {
	return []router.Command{
		{Name: "start", Description: "what this bot does", Usage: "/start", Handle: b.cmdStart},
		{Name: "schedule", Description: "schedule a new post", Usage: "/schedule", Handle: b.beginFlow(session.Create)},
		{Name: "batch", Description: "schedule several posts at once", Usage: "/batch", Handle: b.beginFlow(session.Batch)},
		{Name: "list", Description: "view scheduled posts", Usage: "/list", Handle: b.cmdList},
		{Name: "edit", Description: "change a scheduled post", Usage: "/edit", Handle: b.beginFlow(session.Edit)},
		{Name: "delete", Description: "delete a scheduled post", Usage: "/delete", Handle: b.beginFlow(session.Delete)},
		{Name: "admin", Description: "bot statistics (operator only)", Usage: "/admin", Timeout: 5 * time.Second, Handle: b.cmdAdmin},
		{Name: "cancel", Description: "cancel current operation", Usage: "/cancel", Handle: b.cmdCancel},
	}
}

// Greet sends the once-a-day welcome before the first message a user
// sends on a civil day, whatever that message is.
func (b *Bot) Greet() router.Middleware {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(ctx context.Context, req *router.Request) error {
			if b.activity != nil && req.FromID != 0 && b.activity.Touch(req.FromID) {
				text := b.activity.Greeting(displayName(req.Message), len(b.posts.ListByOwner(req.FromID)))
				if err := req.Reply(ctx, text, nil); err != nil {
					req.Logger.Warn("greeting failed", logx.Err(err))
				}
			}
			return next(ctx, req)
		}
	}
}

func displayName(m *kit.Message) string {
	if m == nil {
		return ""
	}
	if m.FromUsername != "" {
		return m.FromUsername
	}
	if first, _, _ := strings.Cut(m.FromName, " "); first != "" {
		return first
	}
	return ""
}

// destination is the group the request came from, or the default channel.
func (b *Bot) destination(req *router.Request) posts.Destination {
	if m := req.Message; m != nil && m.IsGroup {
		title := m.ChatTitle
		if title == "" {
			title = strconv.FormatInt(m.ChatID, 10)
		}
		return posts.Destination{ChatID: m.ChatID, Title: title}
	}
	return b.Channel()
}

func (b *Bot) cmdStart(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, msgStart, nil)
}

func (b *Bot) beginFlow(flow session.Flow) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		dest := b.destination(req)
		if (flow == session.Create || flow == session.Batch) && dest.IsZero() {
			return req.Reply(ctx, msgNoChannel, nil)
		}
		return b.send(ctx, req, b.sessions.Begin(req.FromID, flow, dest))
	}
}

func (b *Bot) cmdList(ctx context.Context, req *router.Request) error {
	list := b.posts.ListByOwner(req.FromID)
	if len(list) == 0 {
		return req.Reply(ctx, msgNoPosts, nil)
	}
	var sb strings.Builder
	sb.WriteString("Your scheduled posts:\n\n")
	for i, d := range list {
		sb.WriteString(d.Line(i + 1))
		sb.WriteByte('\n')
	}
	return req.Reply(ctx, strings.TrimRight(sb.String(), "\n"), &kit.SendOptions{DisablePreview: true})
}

func (b *Bot) cmdAdmin(ctx context.Context, req *router.Request) error {
	if b.admin == nil {
		return req.Reply(ctx, msgDenied, nil)
	}
	st, err := b.admin.Report(req.FromID)
	if errors.Is(err, admin.ErrUnauthorized) {
		req.Logger.Info("admin denied")
		return req.Reply(ctx, msgDenied, nil)
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, admin.Render(st), &kit.SendOptions{DisablePreview: true})
}

func (b *Bot) cmdCancel(ctx context.Context, req *router.Request) error {
	if _, ok := b.sessions.Current(req.FromID); !ok {
		return req.Reply(ctx, msgNothingToEnd, &kit.SendOptions{RemoveKeyboard: true})
	}
	return b.send(ctx, req, b.sessions.Cancel(req.FromID))
}

// HandleText feeds non-command text to the sender's active flow. Text
// outside a flow is ignored.
func (b *Bot) HandleText(ctx context.Context, req *router.Request) error {
	r, err := b.sessions.Handle(ctx, req.FromID, req.Message.Text)
	if errors.Is(err, session.ErrNoSession) {
		return nil
	}
	if err != nil {
		req.Logger.Error("session step failed", logx.Err(err))
	}
	return b.send(ctx, req, r)
}

func (b *Bot) send(ctx context.Context, req *router.Request, r session.Reply) error {
	if r.Text == "" {
		return nil
	}
	opt := &kit.SendOptions{DisablePreview: true}
	switch {
	case len(r.Keyboard) > 0:
		opt.Keyboard = r.Keyboard
	case r.Done:
		opt.RemoveKeyboard = true
	}
	return req.Reply(ctx, r.Text, opt)
}
