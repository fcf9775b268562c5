// Package app wires the bot together and owns its start/stop lifecycle and
// config hot reload.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postbot/internal/activity"
	"postbot/internal/admin"
	"postbot/internal/bot"
	"postbot/internal/clock"
	"postbot/internal/config"
	"postbot/internal/delivery"
	"postbot/internal/eventbus"
	"postbot/internal/observability/health"
	"postbot/internal/posts"
	rtsup "postbot/internal/runtime/supervisor"
	"postbot/internal/session"
	"postbot/internal/storage"
	kit "postbot/internal/transport"
	telegram "postbot/internal/transport/telegram/adapter"
	"postbot/internal/transport/telegram/router"
	"postbot/internal/trigger"
	logx "postbot/pkg/logx"
)

// SweepInterval is how often idle sessions are checked for eviction.
const SweepInterval = time.Minute

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	cmdm    *router.CommandManager

	trig     *trigger.Engine
	posts    *posts.Service
	sender   *delivery.Sender
	sessions *session.Machine
	admin    *admin.Aggregator
	bot      *bot.Bot
	health   *health.Service

	updates chan kit.Update
}

// New loads the config at cfgPath ("" for environment only) and builds
// every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with the Telegram sink off so Apply does not warn before
	// the target is set.
	logCfg := mapLogConfig(cfg)
	tgEnabled := logCfg.Telegram.Enabled
	logCfg.Telegram.Enabled = false
	logSvc, root := logx.New(logCfg, ad)
	logSvc.SetTelegramTarget(groupLogTarget(cfg), cfg.Logging.Telegram.ThreadID)
	logCfg.Telegram.Enabled = tgEnabled
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	res, err := clock.NewResolver(cfg.Scheduler.Timezone, clock.System{})
	if err != nil {
		return nil, err
	}

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("audit storage enabled", logx.String("driver", sc.Driver))
	}

	bus := eventbus.New()

	fireTimeout, err := config.ParseDurationOrDefault("scheduler.fire_timeout", cfg.Scheduler.FireTimeout, trigger.DefaultFireTimeout)
	if err != nil {
		return nil, err
	}
	trig := trigger.New(res, trigger.Options{Log: root, FireTimeout: fireTimeout})

	dcfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	sender := delivery.New(dcfg, ad, root)

	svc := posts.NewService(posts.NewRegistry(), trig, sender, posts.Options{
		Store: store,
		Bus:   bus,
		Log:   root,
		Clock: res,
	})

	ttl, err := config.SessionTTL(cfg)
	if err != nil {
		return nil, err
	}
	sessions := session.New(svc, session.Options{
		Log:            root,
		TTL:            ttl,
		BatchDelimiter: cfg.Posts.BatchDelimiter,
	})

	act := activity.New(res)
	agg := admin.New(cfg.Telegram.OperatorID, svc, act)

	channel, err := mapChannel(cfg)
	if err != nil {
		return nil, err
	}
	b := bot.New(bot.Options{
		Posts:    svc,
		Sessions: sessions,
		Activity: act,
		Admin:    agg,
		Channel:  channel,
		Log:      root,
	})

	cmdm := router.NewCommandManager(root, ad, router.Options{TextTimeout: 30 * time.Second})

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		cmdm:     cmdm,
		trig:     trig,
		posts:    svc,
		sender:   sender,
		sessions: sessions,
		admin:    agg,
		bot:      b,
		updates:  make(chan kit.Update, 256),
	}
	a.health = health.New(mapHealthConfig(cfg), a.status, root)

	log.Info("configured",
		logx.String("tz", res.Location().String()),
		logx.String("channel", channel.Display()),
		logx.Bool("operator_set", cfg.Telegram.OperatorID != 0),
		logx.Duration("session_ttl", ttl),
	)

	return a, nil
}

func (a *App) status() health.Status {
	return health.Status{
		Posts:      a.posts.Len(),
		Sessions:   a.sessions.Len(),
		Goroutines: a.sup.Counters().Active,
	}
}

// Done is closed when the app supervisor context is cancelled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cmdm.SetMenuSupervisor(a.sup)

	a.trig.Start(a.sup.Context())
	a.bot.Register(a.cmdm)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	if a.health.Enabled() {
		a.health.Start(a.sup.Context())
	}

	a.sup.Go0("sessions.sweep", func(c context.Context) {
		t := time.NewTicker(SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case now := <-t.C:
				if n := a.sessions.Sweep(now); n > 0 {
					a.log.Debug("idle sessions evicted", logx.Int("count", n), logx.Int("remaining", a.sessions.Len()))
				}
			}
		}
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if ev, ok := e.Data.(posts.Event); ok {
					fields = append(fields, logx.String("post_id", ev.Delivery.ID))
				}
				a.log.Debug("event", fields...)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config matters.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig applies the live-reloadable parts of next. Timezone, token,
// storage and poll timeout need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "scheduler":
			if strings.TrimSpace(prev.Scheduler.Timezone) != strings.TrimSpace(next.Scheduler.Timezone) {
				a.log.Warn("scheduler.timezone changed; restart required")
			}
		case "storage":
			a.log.Warn("storage config changed; restart required")
		case "telegram":
			if prev.Telegram.Token != next.Telegram.Token || prev.Telegram.PollTimeout != next.Telegram.PollTimeout {
				a.log.Warn("telegram token or poll timeout changed; restart required")
			}
		}
	}

	a.logs.SetTelegramTarget(groupLogTarget(next), next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(next))

	a.admin.SetOperator(next.Telegram.OperatorID)

	if dc, err := mapDeliveryConfig(next); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.sender.Apply(dc)
	}

	if ttl, err := config.SessionTTL(next); err != nil {
		a.log.Warn("invalid session ttl; keeping previous", logx.Err(err))
	} else {
		a.sessions.SetTTL(ttl)
	}

	if ch, err := mapChannel(next); err != nil {
		a.log.Warn("invalid channel; keeping previous", logx.Err(err))
	} else {
		a.bot.SetChannel(ch)
	}

	a.health.Reconfigure(ctx, mapHealthConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("trigger", 3*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	step("health", time.Second, func(c context.Context) error { a.health.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Int("posts_dropped", a.posts.Len()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
