// Package router dispatches inbound Telegram messages to command handlers
// and, for plain text, to a single fallback handler.
//
// Messages from one user are always handled in arrival order: each user is
// pinned to one worker of a bounded pool.
package router

import (
	"context"
	"hash/fnv"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "postbot/internal/runtime/supervisor"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update  kit.Update
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string // empty for plain text
	Args    []string
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, opt)
	return err
}

type Options struct {
	Workers     int
	QueueSize   int
	TextTimeout time.Duration
}

type CommandManager struct {
	mu       sync.RWMutex
	cmds     map[string]Command // name and alias -> command
	listed   []Command          // registration order, for help and menu
	fallback HandlerFunc
	global   []Middleware

	log     logx.Logger
	adapter kit.Adapter
	opt     Options

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	queues  []chan func()

	menuSup *rtsup.Supervisor
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, opt Options) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Workers <= 0 {
		opt.Workers = runtime.NumCPU()
		if opt.Workers < 2 {
			opt.Workers = 2
		}
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 64
	}
	return &CommandManager{
		cmds:    map[string]Command{},
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
		opt:     opt,
	}
}

// Use adds middleware that wraps every request, commands and text alike.
// It runs inside panic recovery and request logging.
func (m *CommandManager) Use(mw ...Middleware) {
	m.mu.Lock()
	m.global = append(m.global, mw...)
	m.mu.Unlock()
}

// SetFallback sets the handler for messages that are not commands.
func (m *CommandManager) SetFallback(h HandlerFunc) {
	m.mu.Lock()
	m.fallback = h
	m.mu.Unlock()
}

// SetMenuSupervisor makes menu updates run under sup so shutdown cancels them.
func (m *CommandManager) SetMenuSupervisor(sup *rtsup.Supervisor) {
	m.mu.Lock()
	m.menuSup = sup
	m.mu.Unlock()
}

// SetRegistry replaces the command set. A help command is always added.
func (m *CommandManager) SetRegistry(cmds []Command) {
	helper := Command{
		Name:        "help",
		Description: "show available commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(), &kit.SendOptions{DisablePreview: true})
		},
	}
	cmds = append(append([]Command(nil), cmds...), helper)

	table := map[string]Command{}
	listed := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		table[name] = c
		listed = append(listed, c)
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, taken := table[a]; !taken {
				table[a] = c
			}
		}
	}

	m.mu.Lock()
	m.cmds = table
	m.listed = listed
	sup := m.menuSup
	m.mu.Unlock()

	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildMenu(listed)
	run := func(parent context.Context) error {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(ctx, menu); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
		return nil
	}
	if sup != nil {
		sup.Go("telegram.menu.update", run)
		return
	}
	go func() { _ = run(context.Background()) }()
}

// Commands returns the registered commands in registration order.
func (m *CommandManager) Commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Command(nil), m.listed...)
}

func (m *CommandManager) helpText() string {
	cmds := m.Commands()
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range cmds {
		b.WriteString("/" + c.Name + " - " + c.Description + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Supervisor returns the worker pool supervisor (nil if not running).
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

// DispatchLoop routes updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := m.opt.Workers
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	queues := make([]chan func(), workers)
	for i := range queues {
		queues[i] = make(chan func(), m.opt.QueueSize)
	}

	m.runMu.Lock()
	m.sup = sup
	m.queues = queues
	m.running = true
	m.runMu.Unlock()

	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("queue_cap", m.opt.QueueSize))

	for i, q := range queues {
		idx, q := i, q
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-q:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		m.runMu.Lock()
		m.running = false
		m.queues = nil
		m.runMu.Unlock()
		for _, q := range queues {
			close(q)
		}
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, queues, up)
		}
	}
}

var reqSeq atomic.Uint64

func newReqID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(reqSeq.Add(1), 36)
}

func (m *CommandManager) route(root context.Context, queues []chan func(), up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	table := m.cmds
	fallback := m.fallback
	global := m.global
	m.mu.RUnlock()

	req := &Request{
		Update:  up,
		Message: msg,
		Chat:    chat,
		FromID:  msg.FromID,
		ReqID:   newReqID(),
		Adapter: m.adapter,
	}

	var (
		h       HandlerFunc
		timeout time.Duration
	)
	// Every message that gets a queue slot runs the global middleware, even
	// when nothing handles it.
	if name, args, ok := parseCommand(msg.Text); ok {
		cmd, found := table[name]
		switch {
		case found:
			req.Command = cmd.Name
			req.Args = args
			h, timeout = cmd.Handle, cmd.Timeout
		default:
			req.Command = name
			h, timeout = unknownCommand, m.opt.TextTimeout
		}
	} else {
		h, timeout = fallback, m.opt.TextTimeout
		if h == nil {
			h = ignore
		}
	}
	req.Logger = m.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
	)

	mws := []Middleware{MWPanicRecover(m.log), MWRequestLog(m.log), MWTimeout(timeout)}
	final := Chain(h, append(mws, global...)...)

	q := queues[shard(msg.FromID, len(queues))]
	select {
	case q <- func() { _ = final(root, req) }:
	default:
		_, _ = m.adapter.SendText(root, chat, "Busy, please try again in a moment.", nil)
	}
}

func unknownCommand(ctx context.Context, req *Request) error {
	return req.Reply(ctx, "Unknown command. Try /help", nil)
}

func ignore(context.Context, *Request) error { return nil }

// parseCommand splits "/name@bot arg1 arg2" into its lowercase name and
// arguments.
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", nil, false
	}
	return strings.ToLower(word), parts[1:], true
}

func shard(user int64, n int) int {
	h := fnv.New32a()
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(user >> (8 * i))
	}
	h.Write(b[:])
	return int(h.Sum32() % uint32(n))
}
