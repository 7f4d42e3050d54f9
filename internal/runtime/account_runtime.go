package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openfarm/farm-runtime-go/internal/errors"
	"github.com/openfarm/farm-runtime-go/internal/gateway"
	"github.com/openfarm/farm-runtime-go/internal/governor"
	"github.com/openfarm/farm-runtime-go/internal/model"
	"github.com/openfarm/farm-runtime-go/internal/service"
)

const landsPushDebounce = 500 * time.Millisecond

// Item ids the gateway uses for currency deltas in ItemNotify pushes.
const (
	itemIDExp     = 1101
	itemIDCoupon  = 1002
	fertNormalID  = 1011
	fertOrganicID = 1012
)

// UserState is the last known game-side identity of a session.
type UserState struct {
	GID    int64  `json:"gid"`
	Name   string `json:"name"`
	Level  int    `json:"level"`
	Gold   int    `json:"gold"`
	Exp    int    `json:"exp"`
	Coupon int    `json:"coupon"`
}

// SessionGains accumulates what the session earned since it started.
type SessionGains struct {
	Gold       int    `json:"gold"`
	Exp        int    `json:"exp"`
	Coupon     int    `json:"coupon"`
	LastGain   string `json:"lastGain,omitempty"`
	LastGainAt int64  `json:"lastGainAt,omitempty"`
}

// Info is the live view of one running session.
type Info struct {
	AccountID  string                         `json:"accountId"`
	Connected  bool                           `json:"connected"`
	StartedAt  int64                          `json:"startedAt"`
	UptimeSec  int64                          `json:"uptimeSec"`
	User       UserState                      `json:"user"`
	Gains      SessionGains                   `json:"gains"`
	Counters   map[string]int64               `json:"counters"`
	NextCycles map[string]int64               `json:"nextCycles"`
	LastCycles map[string]int64               `json:"lastCycles"`
	Limits     map[int]service.OperationLimit `json:"operationLimits,omitempty"`
	Settings   model.AutomationSettings       `json:"settings"`
}

// Session is what the registry holds for a running account. The concrete
// implementation is AccountRuntime; tests substitute fakes.
type Session interface {
	Start(ctx context.Context) error
	Stop()
	ApplySettings(settings model.AutomationSettings)
	Info() Info

	FarmOperation(ctx context.Context, mode string) (*CycleReport, error)
	Lands(ctx context.Context) (*service.LandAnalysis, error)
	Friends(ctx context.Context) ([]service.Friend, error)
	FriendLands(ctx context.Context, friendGID int64) (*service.FriendAnalysis, error)
	FriendOperation(ctx context.Context, friendGID int64, op string) (*service.FriendOpResult, error)
	Seeds(ctx context.Context) ([]service.SeedOffer, error)
	Bag(ctx context.Context) ([]service.Item, error)
	Sell(ctx context.Context) (*service.SellReport, error)
	ClaimTasks(ctx context.Context) (*service.TaskClaimReport, error)
}

// Options wires one AccountRuntime.
type Options struct {
	Account       model.Account
	Settings      model.AutomationSettings
	Gateway       gateway.Config
	Governor      *governor.Governor
	Logs          *LogHub
	Heartbeat     time.Duration
	ClientVersion string

	// OnSessionLost fires once when the session dies underneath us, either
	// a dropped connection or a gateway kickout. The supervisor marks the
	// account failed; the session never reconnects on its own.
	OnSessionLost func(accountID, reason string)
}

// AccountRuntime drives one logged-in account: it owns the gateway
// connection, runs the automation loops and reacts to server pushes.
type AccountRuntime struct {
	account   model.Account
	gov       *governor.Governor
	logs      *LogHub
	heartbeat time.Duration
	onLost    func(accountID, reason string)
	logger    zerolog.Logger

	client    *gateway.Client
	user      *service.UserService
	farm      *service.FarmService
	friend    *service.FriendService
	task      *service.TaskService
	warehouse *service.WarehouseService

	lostOnce sync.Once

	mu         sync.Mutex
	settings   model.AutomationSettings
	state      UserState
	gains      SessionGains
	counters   map[string]int64
	nextCycles map[model.ActionClass]time.Time
	lastCycles map[model.ActionClass]time.Time
	startedAt  time.Time
	started    bool
	stopped    bool
	farmBusy   bool
	pushTimer  *time.Timer
	cancel     context.CancelFunc
	rng        *rand.Rand

	wg sync.WaitGroup
}

func NewAccountRuntime(opts Options) *AccountRuntime {
	logger := log.With().Str("accountId", opts.Account.ID).Logger()
	client := gateway.NewClient(opts.Gateway, logger)
	heartbeat := opts.Heartbeat
	if heartbeat < 10*time.Second {
		heartbeat = 25 * time.Second
	}
	onLost := opts.OnSessionLost
	if onLost == nil {
		onLost = func(string, string) {}
	}
	return &AccountRuntime{
		account:    opts.Account,
		gov:        opts.Governor,
		logs:       opts.Logs,
		heartbeat:  heartbeat,
		onLost:     onLost,
		logger:     logger,
		client:     client,
		user:       service.NewUserService(client, opts.ClientVersion),
		farm:       service.NewFarmService(client),
		friend:     service.NewFriendService(client),
		task:       service.NewTaskService(client),
		warehouse:  service.NewWarehouseService(client),
		settings:   opts.Settings,
		counters:   make(map[string]int64),
		nextCycles: make(map[model.ActionClass]time.Time),
		lastCycles: make(map[model.ActionClass]time.Time),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start connects, logs in and launches the automation loops. On any failure
// the connection is torn down and the error reports whether a retry can
// help. Start must be called at most once per runtime.
func (r *AccountRuntime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started || r.stopped {
		r.mu.Unlock()
		return apperrors.Conflict("session already started")
	}
	r.started = true
	r.mu.Unlock()

	r.client.Notify(gateway.Wildcard, r.handleNotify)
	r.client.OnDisconnect(func(reason string) {
		r.sessionLost("connection lost: " + reason)
	})

	if err := r.client.Connect(ctx, r.account.Code); err != nil {
		return err
	}

	login, err := r.user.Login(ctx)
	if err != nil {
		r.client.Close()
		return err
	}

	coupon := 0
	if items, bagErr := r.warehouse.BagItems(ctx); bagErr == nil {
		for _, item := range items {
			if item.ID == itemIDCoupon {
				coupon += item.Count
			}
		}
	} else {
		r.logger.Warn().Err(bagErr).Msg("initial bag scan failed")
	}

	runCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.state = UserState{
		GID:    login.GID,
		Name:   login.Name,
		Level:  login.Level,
		Gold:   login.Gold,
		Exp:    login.Exp,
		Coupon: coupon,
	}
	r.startedAt = time.Now()
	r.cancel = cancel
	r.mu.Unlock()

	r.logEvent("session", "login", "logged in as "+login.Name, false, map[string]any{
		"gid": login.GID, "level": login.Level,
	})

	r.wg.Add(5)
	go r.heartbeatLoop(runCtx)
	go r.cycleLoop(runCtx, model.ActionFarm, r.runFarmCycle)
	go r.cycleLoop(runCtx, model.ActionFriend, r.runFriendCycle)
	go r.cycleLoop(runCtx, model.ActionTask, r.runTaskCycle)
	go r.cycleLoop(runCtx, model.ActionSell, r.runSellCycle)
	return nil
}

// Stop cancels every loop, waits for them and closes the connection.
// Safe to call any number of times, including before Start.
func (r *AccountRuntime) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel := r.cancel
	if r.pushTimer != nil {
		r.pushTimer.Stop()
		r.pushTimer = nil
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.client.Close()
}

// ApplySettings swaps the automation settings live. Loops pick the new
// values up on their next tick.
func (r *AccountRuntime) ApplySettings(settings model.AutomationSettings) {
	r.mu.Lock()
	r.settings = settings
	r.mu.Unlock()
	r.logEvent("session", "settings_applied", "automation settings updated", false, nil)
}

func (r *AccountRuntime) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	counters := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	next := make(map[string]int64, len(r.nextCycles))
	for class, at := range r.nextCycles {
		next[string(class)] = at.Unix()
	}
	last := make(map[string]int64, len(r.lastCycles))
	for class, at := range r.lastCycles {
		last[string(class)] = at.Unix()
	}

	info := Info{
		AccountID:  r.account.ID,
		Connected:  r.client.Connected(),
		User:       r.state,
		Gains:      r.gains,
		Counters:   counters,
		NextCycles: next,
		LastCycles: last,
		Limits:     r.friend.OperationLimits(),
		Settings:   r.settings,
	}
	if !r.startedAt.IsZero() {
		info.StartedAt = r.startedAt.Unix()
		info.UptimeSec = int64(time.Since(r.startedAt).Seconds())
	}
	return info
}

func (r *AccountRuntime) snapshotSettings() model.AutomationSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

func (r *AccountRuntime) snapshotState() UserState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *AccountRuntime) addCounter(name string, n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.counters[name] += int64(n)
	r.mu.Unlock()
}

func (r *AccountRuntime) logEvent(module, event, msg string, warn bool, meta map[string]any) {
	if r.logs != nil {
		r.logs.Append(model.RuntimeLogEntry{
			Time:      time.Now(),
			AccountID: r.account.ID,
			Module:    module,
			Event:     event,
			Message:   msg,
			IsWarn:    warn,
			Meta:      meta,
		})
	}
	evt := r.logger.Debug()
	if warn {
		evt = r.logger.Warn()
	}
	evt.Str("module", module).Str("event", event).Msg(msg)
}

func (r *AccountRuntime) sessionLost(reason string) {
	r.lostOnce.Do(func() {
		r.logEvent("session", "lost", reason, true, nil)
		// the supervisor stops us from its own goroutine; calling back
		// inline would deadlock against Stop waiting on our loops
		go r.onLost(r.account.ID, reason)
	})
}

// withLease runs fn under the governor's admission gates. The scheduler
// presents its own synthetic user so its cadence never eats the budget of
// whoever owns the account.
func (r *AccountRuntime) withLease(ctx context.Context, class model.ActionClass, fn func(context.Context) error) error {
	lease, err := r.gov.Acquire(ctx, "sched:"+r.account.ID, r.account.ID, class)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(ctx)
}

func (r *AccountRuntime) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		gid := r.snapshotState().GID
		if err := r.user.Heartbeat(ctx, gid); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logEvent("session", "heartbeat_failed", err.Error(), true, nil)
		}
	}
}

// cycleLoop reschedules one automation class forever: sleep a randomized
// interval, then run unless the class is switched off or quiet hours apply.
func (r *AccountRuntime) cycleLoop(ctx context.Context, class model.ActionClass, run func(ctx context.Context) error) {
	defer r.wg.Done()

	for {
		interval := r.nextInterval(class)

		r.mu.Lock()
		r.nextCycles[class] = time.Now().Add(interval)
		r.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		settings := r.snapshotSettings()
		if !settings.Enabled(class) {
			continue
		}
		if r.inQuietHours(time.Now()) {
			r.logger.Debug().Str("class", string(class)).Msg("cycle skipped, quiet hours")
			continue
		}

		r.mu.Lock()
		r.lastCycles[class] = time.Now()
		r.mu.Unlock()

		if err := run(ctx); err != nil && ctx.Err() == nil {
			warn := true
			if code := apperrors.GetCode(err); code == apperrors.ErrCodeCooldownActive || code == apperrors.ErrCodeAdmissionRejected {
				// expected backpressure, try again next tick
				warn = false
			}
			r.logEvent(string(class), "cycle_failed", err.Error(), warn, nil)
		}
	}
}

func (r *AccountRuntime) nextInterval(class model.ActionClass) time.Duration {
	settings := r.snapshotSettings()
	var rng model.IntervalRange
	switch class {
	case model.ActionFriend:
		rng = settings.FriendInterval
	case model.ActionSell:
		rng = settings.SellInterval
	case model.ActionTask:
		rng = settings.TaskInterval
	default:
		rng = settings.FarmInterval
	}
	rng = rng.Normalized()

	r.mu.Lock()
	defer r.mu.Unlock()
	span := rng.MaxSec - rng.MinSec
	sec := rng.MinSec
	if span > 0 {
		sec += r.rng.Intn(span + 1)
	}
	return time.Duration(sec) * time.Second
}

func (r *AccountRuntime) inQuietHours(now time.Time) bool {
	settings := r.snapshotSettings()
	return settings.QuietHours.InWindow(now.Hour()*60 + now.Minute())
}

func (r *AccountRuntime) runFarmCycle(ctx context.Context) error {
	_, err := r.FarmOperation(ctx, FarmModeAll)
	return err
}

func (r *AccountRuntime) runTaskCycle(ctx context.Context) error {
	_, err := r.ClaimTasks(ctx)
	return err
}

func (r *AccountRuntime) runSellCycle(ctx context.Context) error {
	_, err := r.Sell(ctx)
	return err
}

// wire shapes of the pushes we care about

type kickoutNotify struct {
	Type int    `json:"type"`
	Msg  string `json:"msg"`
}

type itemNotify struct {
	Items []service.Item `json:"items"`
}

type basicNotify struct {
	Level int `json:"level"`
	Gold  int `json:"gold"`
	Exp   int `json:"exp"`
}

func (r *AccountRuntime) handleNotify(eventType string, body []byte) {
	switch {
	case strings.Contains(eventType, "Kickout"):
		var notify kickoutNotify
		_ = json.Unmarshal(body, &notify)
		reason := notify.Msg
		if reason == "" {
			reason = "kicked out by gateway"
		}
		r.sessionLost("kickout: " + reason)

	case strings.Contains(eventType, "LandsNotify"):
		if r.snapshotSettings().Enabled(model.ActionFarmPush) {
			r.schedulePushCycle()
		}

	case strings.Contains(eventType, "ItemNotify"):
		var notify itemNotify
		if err := json.Unmarshal(body, &notify); err != nil {
			return
		}
		r.applyItemDeltas(notify.Items)

	case strings.Contains(eventType, "BasicNotify"):
		var notify basicNotify
		if err := json.Unmarshal(body, &notify); err != nil {
			return
		}
		r.mu.Lock()
		if notify.Level > 0 {
			r.state.Level = notify.Level
		}
		if notify.Gold > 0 {
			r.state.Gold = notify.Gold
		}
		if notify.Exp > 0 {
			r.state.Exp = notify.Exp
		}
		r.mu.Unlock()

	case strings.Contains(eventType, "TaskInfoNotify"):
		if !r.snapshotSettings().Enabled(model.ActionTask) {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := r.ClaimTasks(ctx); err != nil {
				r.logger.Debug().Err(err).Msg("push-triggered task claim failed")
			}
		}()

	case strings.Contains(eventType, "FriendApplicationReceived"):
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			r.acceptPendingFriends(ctx)
		}()
	}
}

func (r *AccountRuntime) applyItemDeltas(items []service.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, item := range items {
		if item.Count == 0 {
			continue
		}
		switch {
		case item.ID == itemIDExp:
			r.state.Exp += item.Count
			if item.Count > 0 {
				r.gains.Exp += item.Count
			}
		case item.ID == 1 || item.ID == 1001:
			r.state.Gold += item.Count
			if item.Count > 0 {
				r.gains.Gold += item.Count
			}
		case item.ID == itemIDCoupon:
			r.state.Coupon += item.Count
			if item.Count > 0 {
				r.gains.Coupon += item.Count
			}
		default:
			continue
		}
		if item.Count > 0 {
			r.gains.LastGain = gainLabel(item.ID, item.Count)
			r.gains.LastGainAt = time.Now().Unix()
		}
	}
}

func gainLabel(itemID, count int) string {
	switch {
	case itemID == itemIDExp:
		return fmt.Sprintf("exp +%d", count)
	case itemID == 1 || itemID == 1001:
		return fmt.Sprintf("gold +%d", count)
	case itemID == itemIDCoupon:
		return fmt.Sprintf("coupon +%d", count)
	}
	return ""
}

// schedulePushCycle debounces LandsNotify bursts into one opportunistic farm
// pass. A cycle already running makes the push redundant.
func (r *AccountRuntime) schedulePushCycle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.pushTimer != nil {
		r.pushTimer.Reset(landsPushDebounce)
		return
	}
	r.pushTimer = time.AfterFunc(landsPushDebounce, func() {
		r.mu.Lock()
		r.pushTimer = nil
		busy := r.farmBusy || r.stopped
		r.mu.Unlock()
		if busy {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if _, err := r.FarmOperation(ctx, FarmModeAll); err != nil {
			r.logger.Debug().Err(err).Msg("push-triggered farm cycle failed")
		}
	})
}

func (r *AccountRuntime) acceptPendingFriends(ctx context.Context) {
	err := r.withLease(ctx, model.ActionFriend, func(ctx context.Context) error {
		apps, err := r.friend.Applications(ctx)
		if err != nil {
			return err
		}
		if len(apps) == 0 {
			return nil
		}
		gids := make([]int64, 0, len(apps))
		for _, app := range apps {
			gids = append(gids, app.GID)
		}
		if err := r.friend.AcceptFriends(ctx, gids); err != nil {
			return err
		}
		r.addCounter("acceptFriend", len(gids))
		r.logEvent("friend", "accepted", "accepted friend applications", false, map[string]any{"count": len(gids)})
		return nil
	})
	if err != nil {
		r.logger.Debug().Err(err).Msg("accepting friend applications failed")
	}
}
