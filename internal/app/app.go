// Package app is the coordinator: it owns the config, the shared rules
// snapshot, the acknowledgment manager, the search engine and their caches,
// and wires them to the host HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reviewguard/internal/ack"
	"reviewguard/internal/alarm"
	"reviewguard/internal/config"
	"reviewguard/internal/eventbus"
	"reviewguard/internal/httpapi"
	"reviewguard/internal/metrics"
	"reviewguard/internal/missionapi"
	"reviewguard/internal/rules"
	"reviewguard/internal/runtime/supervisor"
	"reviewguard/internal/search"
	"reviewguard/internal/storage"
	"reviewguard/internal/timer"
	"reviewguard/internal/webhook"
	logx "reviewguard/pkg/logx"
)

type (
	Config        = config.Config
	ConfigManager = config.ConfigManager
)

// rulesRefreshEvery is how often the shared rules are checked for staleness.
const rulesRefreshEvery = time.Hour

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	sched   *timer.Cron
	rules   *rules.Store
	notify  *webhook.Client
	mission *missionapi.Client
	search  *search.Engine
	alarm   *alarm.Controller
	acks    *ack.Manager
	http    *httpapi.Server

	ruleLog logx.Logger
	refresh timer.Handle
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, persistent, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if persistent {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		store = storage.NewMemory()
		appLog.Info("storage not configured; caches are process-local")
	}

	loc, _ := mapLocation(cfg)
	sched := timer.NewCron(loc, log.With(logx.String("comp", "timer")))

	ropts, _ := mapRulesOptions(cfg)
	ropts.Now = sched.Now
	rulesStore := rules.NewStore(store, ropts, log.With(logx.String("comp", "rules")))

	wcfg, _ := mapWebhookConfig(cfg)
	notify := webhook.New(wcfg, nil, log.With(logx.String("comp", "webhook")))

	mcfg, _ := mapMissionConfig(cfg)
	mission := missionapi.New(mcfg, nil, log.With(logx.String("comp", "missionapi")))

	scfg, _ := mapSearchConfig(cfg)
	engine := search.NewEngine(mission, scfg,
		search.WithBus(bus),
		search.WithClock(sched.Now),
		search.WithLogger(log.With(logx.String("comp", "search"))),
		search.WithStore(store),
	)

	var dev alarm.Device = alarm.Nop{}
	if cfg.Prefs.Bell {
		dev = &alarm.TerminalBell{W: logx.Stderr(), Sched: sched}
	}
	alarmCtl := alarm.NewController(dev, sched, log.With(logx.String("comp", "alarm")))

	prefs, _ := mapPrefs(cfg)
	acks := ack.NewManager(ack.Deps{
		Sched:  sched,
		Notify: notify,
		Alarm:  alarmCtl,
		Rules:  rulesStore,
		Bus:    bus,
		Log:    log.With(logx.String("comp", "ack")),
	}, prefs)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sched:   sched,
		rules:   rulesStore,
		notify:  notify,
		mission: mission,
		search:  engine,
		alarm:   alarmCtl,
		acks:    acks,
		ruleLog: log.With(logx.String("comp", "classify")),
	}
	a.http = httpapi.New(a, log.With(logx.String("comp", "http")))
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return validateConfig(cfg)
	})

	a.loadRules(runCtx)

	a.notify.Start(runCtx)
	a.sched.Start()
	a.refresh = a.sched.Every("rules.refresh", rulesRefreshEvery, func() {
		c, cancel := context.WithTimeout(runCtx, time.Minute)
		defer cancel()
		ran, err := a.rules.MaybeRefresh(c)
		if !ran {
			return
		}
		if err != nil {
			a.log.Warn("scheduled rules refresh failed; keeping current rules", logx.Err(err))
		}
		a.publishRules(err)
	})

	if hc, err := mapHTTPConfig(a.cfgm.Get()); err == nil {
		a.http.Apply(runCtx, hc)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}

	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if strings.TrimSpace(prev.Rules.Timezone) != strings.TrimSpace(next.Rules.Timezone) {
		a.log.Warn("rules.timezone changed; restart required for changes to take effect")
	}
	if prev.Prefs.Bell != next.Prefs.Bell {
		a.log.Warn("prefs.bell changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(next))

	if changed["rules"] {
		if ropts, err := mapRulesOptions(next); err != nil {
			a.log.Warn("invalid rules config; keeping previous", logx.Err(err))
		} else {
			a.rules.ApplyOptions(ropts)
			a.loadRules(ctx)
		}
	}
	if p, err := mapPrefs(next); err != nil {
		a.log.Warn("invalid prefs; keeping previous", logx.Err(err))
	} else {
		a.acks.Apply(p)
	}
	if wc, err := mapWebhookConfig(next); err != nil {
		a.log.Warn("invalid webhook config; keeping previous", logx.Err(err))
	} else {
		a.notify.Apply(wc)
	}
	if mc, err := mapMissionConfig(next); err != nil {
		a.log.Warn("invalid mission_api config; keeping previous", logx.Err(err))
	} else {
		a.mission.Apply(mc)
	}
	if sc, err := mapSearchConfig(next); err != nil {
		a.log.Warn("invalid search config; keeping previous", logx.Err(err))
	} else {
		a.search.Apply(sc)
	}
	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Apply(ctx, hc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) loadRules(ctx context.Context) {
	snap, err := a.rules.Load(ctx)
	switch {
	case errors.Is(err, rules.ErrConfigMissing):
		a.log.Warn("no shared rules configured; every assigned handler is gated")
	case err != nil:
		a.log.Warn("rules load failed", logx.Err(err))
	default:
		a.log.Info("rules loaded",
			logx.String("source", string(snap.Source)),
			logx.Int("recipients", len(snap.Rules.Recipients)),
			logx.Bool("reminder", snap.Rules.ReminderURL != ""),
		)
	}
	a.publishRules(err)
}

// publishRules announces a rules load and lets an open session pick up a
// newly configured reminder webhook.
func (a *App) publishRules(err error) {
	a.acks.Rearm()
	ev := eventbus.RulesEvent{Source: string(a.rules.Snapshot().Source)}
	if err != nil {
		ev.Error = err.Error()
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.RulesLoaded, Data: ev})
}

// ObserveItem classifies item against the latest rules and hands the result
// to the acknowledgment manager.
func (a *App) ObserveItem(_ context.Context, item rules.Item) (*ack.Session, rules.Set) {
	labels := rules.Classify(item, a.rules.Rules(), a.sched.Now(), a.ruleLog)
	if labels.Empty() {
		metrics.Classifications.WithLabelValues("gated").Inc()
	}
	for _, l := range labels.Labels() {
		metrics.Classifications.WithLabelValues(l.String()).Inc()
	}
	return a.acks.Observe(item, labels), labels
}

// Submit closes the item's session, if any, and appends an audit entry.
func (a *App) Submit(ctx context.Context, sub ack.Submission) error {
	if sub.At.IsZero() {
		sub.At = a.sched.Now()
	}
	entry := storage.AuditEntry{
		At:       sub.At,
		ItemID:   sub.ItemID,
		Handler:  sub.Handler,
		Decision: sub.Decision,
	}
	if s, ok := a.acks.Finish(sub.ItemID, "submitted"); ok {
		entry.Confirmed = s.State == ack.Confirmed
		entry.Escalations = s.Escalations
		for _, l := range s.AllLabels.Labels() {
			entry.Labels = append(entry.Labels, l.String())
		}
		if entry.Handler == "" {
			entry.Handler = s.Item.Handler
		}
	}
	if err := a.store.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	return nil
}

func (a *App) Session() (*ack.Session, bool) { return a.acks.Current() }

func (a *App) Confirm() bool { return a.acks.Confirm() }

func (a *App) CloseSession(reason string) bool { return a.acks.Close(reason) }

func (a *App) Search(ctx context.Context, itemID string) (*search.Run, error) {
	return a.search.Search(ctx, itemID)
}

func (a *App) CancelSearch() { a.search.Cancel() }

func (a *App) RefreshRules(ctx context.Context) error {
	_, err := a.rules.Refresh(ctx)
	a.publishRules(err)
	if err != nil {
		return fmt.Errorf("rules refresh: %w", err)
	}
	return nil
}

func (a *App) RefreshCatalog(ctx context.Context) (int, error) {
	ms, err := a.search.RefreshCatalog(ctx)
	if err != nil {
		return 0, fmt.Errorf("catalog refresh: %w", err)
	}
	return len(ms), nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// step runs one shutdown stage with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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

	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("search", 2*time.Second, func(c context.Context) error {
		if r := a.search.Active(); r != nil {
			r.Cancel()
			select {
			case <-r.Done():
			case <-c.Done():
				return c.Err()
			}
		}
		return nil
	})
	step("session", time.Second, func(context.Context) error {
		a.acks.Close(string(reason))
		return nil
	})
	step("scheduler", 2*time.Second, func(c context.Context) error {
		if a.refresh != nil {
			a.refresh.Stop()
		}
		a.sched.Stop(c)
		return nil
	})
	step("webhook", 3*time.Second, func(c context.Context) error { a.notify.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
