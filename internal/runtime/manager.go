package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/openfarm/farm-runtime-go/internal/config"
	apperrors "github.com/openfarm/farm-runtime-go/internal/errors"
	"github.com/openfarm/farm-runtime-go/internal/gateway"
	"github.com/openfarm/farm-runtime-go/internal/governor"
	"github.com/openfarm/farm-runtime-go/internal/model"
	"github.com/openfarm/farm-runtime-go/internal/store"
)

// AccountStatus merges the persisted supervisor record with the live
// session, when one exists.
type AccountStatus struct {
	Account model.Account       `json:"account"`
	Status  model.RuntimeStatus `json:"status"`
	Live    *Info               `json:"live,omitempty"`
}

// ServiceStatus is the daemon-wide summary.
type ServiceStatus struct {
	Accounts         int            `json:"accounts"`
	Running          int            `json:"running"`
	Failed           int            `json:"failed"`
	Retrying         int            `json:"retrying"`
	InFlight         int            `json:"inFlightCalls"`
	SettingsRevision int64          `json:"settingsRevision"`
	ByUser           map[string]int `json:"inFlightByUser,omitempty"`
}

// Manager is the registry and start supervisor: it owns every live session,
// runs the retry state machine around session starts and is the only writer
// of runtime_status rows.
type Manager struct {
	cfg      *config.Config
	accounts store.AccountRepository
	settings store.SettingsRepository
	status   store.RuntimeStatusRepository
	gov      *governor.Governor
	logs     *LogHub

	// newSession is swappable for tests.
	newSession func(account model.Account, settings model.AutomationSettings) Session

	mu      sync.Mutex
	running map[string]Session
	startMu map[string]*sync.Mutex
}

func NewManager(
	cfg *config.Config,
	accounts store.AccountRepository,
	settings store.SettingsRepository,
	status store.RuntimeStatusRepository,
	gov *governor.Governor,
	logs *LogHub,
) *Manager {
	m := &Manager{
		cfg:      cfg,
		accounts: accounts,
		settings: settings,
		status:   status,
		gov:      gov,
		logs:     logs,
		running:  make(map[string]Session),
		startMu:  make(map[string]*sync.Mutex),
	}
	m.newSession = func(account model.Account, settings model.AutomationSettings) Session {
		return NewAccountRuntime(Options{
			Account:  account,
			Settings: settings,
			Gateway: gateway.Config{
				URL:           cfg.GatewayURL,
				Platform:      cfg.Platform,
				OS:            "iOS",
				ClientVersion: cfg.ClientVersion,
				RPCTimeout:    cfg.RPCTimeout(),
			},
			Governor:      gov,
			Logs:          logs,
			Heartbeat:     cfg.HeartbeatInterval(),
			ClientVersion: cfg.ClientVersion,
			OnSessionLost: m.handleSessionLost,
		})
	}
	return m
}

// SetSessionFactory replaces how sessions are built. Tests use it to run
// the supervisor against fakes instead of live gateway connections.
func (m *Manager) SetSessionFactory(fn func(account model.Account, settings model.AutomationSettings) Session) {
	m.newSession = fn
}

func (m *Manager) startLock(accountID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.startMu[accountID]
	if !ok {
		lock = &sync.Mutex{}
		m.startMu[accountID] = lock
	}
	return lock
}

func (m *Manager) session(accountID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.running[accountID]
	return s, ok
}

// Runtime returns the live session or a NOT_RUNNING error whose hint carries
// the last start failure, when there was one.
func (m *Manager) Runtime(ctx context.Context, accountID string) (Session, error) {
	if s, ok := m.session(accountID); ok {
		return s, nil
	}
	err := apperrors.NotRunning(accountID)
	if status, findErr := m.status.Find(ctx, accountID); findErr == nil && status != nil && status.LastStartError != "" {
		err = err.WithHint("last start failure: " + status.LastStartError)
	}
	return nil, err
}

// StartAccount runs the start state machine for one account and blocks until
// it lands in running or failed. Starting an account that is already running
// is a no-op.
func (m *Manager) StartAccount(ctx context.Context, accountID string) error {
	lock := m.startLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	if _, ok := m.session(accountID); ok {
		return nil
	}

	account, err := m.accounts.FindByID(ctx, accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return apperrors.NotFound("account " + accountID)
	}
	settings, err := m.settings.Get(ctx, accountID)
	if err != nil {
		return err
	}

	maxAttempts := m.cfg.StartRetryMaxAttempts
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		state := model.RuntimeStateStarting
		if attempt > 1 {
			state = model.RuntimeStateRetrying
		}
		m.saveStatus(ctx, model.RuntimeStatus{
			AccountID:       accountID,
			State:           state,
			LastStartAt:     time.Now().Unix(),
			StartRetryCount: attempt - 1,
		})

		session := m.newSession(*account, settings)
		err := session.Start(ctx)
		if err == nil {
			m.mu.Lock()
			m.running[accountID] = session
			m.mu.Unlock()
			m.saveStatus(ctx, model.RuntimeStatus{
				AccountID:          accountID,
				State:              model.RuntimeStateRunning,
				LastStartAt:        time.Now().Unix(),
				LastStartSuccessAt: time.Now().Unix(),
			})
			log.Info().Str("accountId", accountID).Int("attempt", attempt).Msg("account started")
			return nil
		}

		// every failed start leaves no half-open session behind
		session.Stop()
		lastErr = err
		log.Warn().Err(err).Str("accountId", accountID).Int("attempt", attempt).Msg("account start failed")

		if !apperrors.IsRetryable(err) || attempt == maxAttempts {
			break
		}
		delay := backoffDelay(m.cfg.StartRetryBaseDelay(), m.cfg.StartRetryMaxDelay(), attempt)
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(delay):
		}
		if ctx.Err() != nil {
			break
		}
	}

	m.saveStatus(ctx, model.RuntimeStatus{
		AccountID:       accountID,
		State:           model.RuntimeStateFailed,
		LastStartAt:     time.Now().Unix(),
		LastStartError:  lastErr.Error(),
		StartRetryCount: attempts - 1,
	})
	m.logs.Append(model.RuntimeLogEntry{
		AccountID: accountID,
		Module:    "supervisor",
		Event:     "start_failed",
		Message:   lastErr.Error(),
		IsWarn:    true,
	})
	return lastErr
}

// backoffDelay grows base*2^(attempt-1) up to max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// StopAccount tears the session down if one is running, always leaving the
// status row at stopped.
func (m *Manager) StopAccount(ctx context.Context, accountID string) {
	m.mu.Lock()
	session, ok := m.running[accountID]
	delete(m.running, accountID)
	m.mu.Unlock()

	if ok {
		session.Stop()
		log.Info().Str("accountId", accountID).Msg("account stopped")
	}
	m.saveStatus(ctx, model.RuntimeStatus{
		AccountID: accountID,
		State:     model.RuntimeStateStopped,
	})
}

// handleSessionLost reacts to a kickout or dropped connection: the session
// is unregistered and the account marked failed until an operator restarts
// it. Lost sessions never reconnect by themselves.
func (m *Manager) handleSessionLost(accountID, reason string) {
	m.mu.Lock()
	session, ok := m.running[accountID]
	delete(m.running, accountID)
	m.mu.Unlock()

	if ok {
		session.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.saveStatus(ctx, model.RuntimeStatus{
		AccountID:      accountID,
		State:          model.RuntimeStateFailed,
		LastStartError: reason,
	})
	m.logs.Append(model.RuntimeLogEntry{
		AccountID: accountID,
		Module:    "supervisor",
		Event:     "session_lost",
		Message:   reason,
		IsWarn:    true,
	})
	log.Warn().Str("accountId", accountID).Str("reason", reason).Msg("session lost")
}

// StartAll boots every stored account with bounded parallelism. One
// account's failure never blocks the others; errors land in the status rows.
func (m *Manager) StartAll(ctx context.Context) {
	accounts, err := m.accounts.FindAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("listing accounts for auto start failed")
		return
	}

	g := &errgroup.Group{}
	g.SetLimit(m.cfg.AutoStartConcurrency)
	for _, account := range accounts {
		accountID := account.ID
		g.Go(func() error {
			if err := m.StartAccount(ctx, accountID); err != nil {
				log.Warn().Err(err).Str("accountId", accountID).Msg("auto start failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	log.Info().Int("accounts", len(accounts)).Msg("auto start finished")
}

// RestartFailed retries every account whose last start ended in failed.
// It returns how many of them came back up.
func (m *Manager) RestartFailed(ctx context.Context) (int, error) {
	statuses, err := m.status.FindAll(ctx)
	if err != nil {
		return 0, err
	}

	var recovered atomic.Int64
	g := &errgroup.Group{}
	g.SetLimit(m.cfg.AutoStartConcurrency)
	for _, status := range statuses {
		if status.State != model.RuntimeStateFailed {
			continue
		}
		accountID := status.AccountID
		g.Go(func() error {
			if err := m.StartAccount(ctx, accountID); err != nil {
				log.Warn().Err(err).Str("accountId", accountID).Msg("failed account restart did not recover")
				return nil
			}
			recovered.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(recovered.Load()), nil
}

// StopAll stops every running session and force-flushes the runtime log.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make(map[string]Session, len(m.running))
	for id, s := range m.running {
		sessions[id] = s
	}
	m.running = make(map[string]Session)
	m.mu.Unlock()

	for accountID, session := range sessions {
		session.Stop()
		m.saveStatus(ctx, model.RuntimeStatus{
			AccountID: accountID,
			State:     model.RuntimeStateStopped,
		})
	}
	if err := m.logs.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("runtime log flush on shutdown failed")
	}
	log.Info().Int("stopped", len(sessions)).Msg("all accounts stopped")
}

// UpsertAccount creates or updates an account. A running account is
// restarted so the new code takes effect.
func (m *Manager) UpsertAccount(ctx context.Context, params model.UpsertAccountParams) (*model.Account, bool, error) {
	_, wasRunning := m.session(params.ID)
	if wasRunning {
		m.StopAccount(ctx, params.ID)
	}

	account, created, err := m.accounts.Upsert(ctx, params)
	if err != nil {
		return nil, false, err
	}

	if wasRunning {
		if err := m.StartAccount(ctx, account.ID); err != nil {
			log.Warn().Err(err).Str("accountId", account.ID).Msg("restart after update failed")
		}
	}
	return account, created, nil
}

// DeleteAccount stops the session and removes the account with its bindings
// and status.
func (m *Manager) DeleteAccount(ctx context.Context, accountID string) error {
	m.StopAccount(ctx, accountID)
	return m.accounts.Delete(ctx, accountID)
}

// SaveSettings persists a patch and applies the merged result to the live
// session, when one is running. An empty accountID patches the defaults.
func (m *Manager) SaveSettings(ctx context.Context, accountID string, patch model.SettingsPatch) (model.AutomationSettings, error) {
	merged, err := m.settings.Apply(ctx, accountID, patch)
	if err != nil {
		return model.AutomationSettings{}, err
	}
	if accountID != "" {
		if session, ok := m.session(accountID); ok {
			session.ApplySettings(merged)
		}
	}
	return merged, nil
}

func (m *Manager) Settings(ctx context.Context, accountID string) (model.AutomationSettings, error) {
	return m.settings.Get(ctx, accountID)
}

// AccountStatus returns the merged view for one account.
func (m *Manager) AccountStatus(ctx context.Context, accountID string) (*AccountStatus, error) {
	account, err := m.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, apperrors.NotFound("account " + accountID)
	}

	out := &AccountStatus{Account: *account}
	out.Status = model.RuntimeStatus{AccountID: accountID, State: model.RuntimeStateStopped}
	if status, err := m.status.Find(ctx, accountID); err == nil && status != nil {
		out.Status = *status
	}
	if session, ok := m.session(accountID); ok {
		info := session.Info()
		out.Live = &info
	}
	return out, nil
}

// AccountStatuses lists the merged view for every account, in account order.
func (m *Manager) AccountStatuses(ctx context.Context) ([]AccountStatus, error) {
	accounts, err := m.accounts.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	statuses, err := m.status.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.RuntimeStatus, len(statuses))
	for _, s := range statuses {
		byID[s.AccountID] = s
	}

	out := make([]AccountStatus, 0, len(accounts))
	for _, account := range accounts {
		entry := AccountStatus{
			Account: account,
			Status:  model.RuntimeStatus{AccountID: account.ID, State: model.RuntimeStateStopped},
		}
		if status, ok := byID[account.ID]; ok {
			entry.Status = status
		}
		if session, ok := m.session(account.ID); ok {
			info := session.Info()
			entry.Live = &info
		}
		out = append(out, entry)
	}
	return out, nil
}

func (m *Manager) ServiceStatus(ctx context.Context) (*ServiceStatus, error) {
	count, err := m.accounts.Count(ctx)
	if err != nil {
		return nil, err
	}
	statuses, err := m.status.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	revision, err := m.settings.Revision(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	running := len(m.running)
	m.mu.Unlock()

	out := &ServiceStatus{
		Accounts:         count,
		Running:          running,
		SettingsRevision: revision,
	}
	for _, s := range statuses {
		switch s.State {
		case model.RuntimeStateFailed:
			out.Failed++
		case model.RuntimeStateRetrying:
			out.Retrying++
		}
	}
	stats := m.gov.Stats()
	out.InFlight = stats.InFlight
	out.ByUser = stats.ByUser
	return out, nil
}

func (m *Manager) Logs(filter LogFilter) []model.RuntimeLogEntry {
	return m.logs.Query(filter)
}

func (m *Manager) saveStatus(ctx context.Context, status model.RuntimeStatus) {
	if err := m.status.Save(ctx, status); err != nil {
		log.Warn().Err(err).Str("accountId", status.AccountID).
			Msg(fmt.Sprintf("persisting runtime state %s failed", status.State))
	}
}
