package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rgoodwin/gather-sync/gather"
	apperrors "github.com/rgoodwin/gather-sync/internal/errors"
	"github.com/rgoodwin/gather-sync/internal/state"
)

const (
	// safetyMargin is subtracted from the token expiry when arming the
	// refresh timer, so the refresh lands before the token goes stale.
	safetyMargin = 60 * time.Second

	// scheduledRefreshTimeout bounds a timer-fired refresh call.
	scheduledRefreshTimeout = 30 * time.Second
)

// RefreshAPI is the backend surface the refresher needs. Satisfied by
// *gather.Client.
type RefreshAPI interface {
	RefreshToken(ctx context.Context, refreshToken string) (*gather.RefreshResponse, error)
}

// Refresher keeps the access token fresh. It decodes the token expiry and
// arms a single timer to refresh proactively; the same Refresh operation
// also serves reactive 401 handling. Both paths share one in-flight
// refresh through a singleflight group, so a scheduler fire racing a 401
// never issues two refresh requests.
//
// On terminal refresh failure the credentials are cleared and the
// session-end callback fires; callers must treat that as "session ended".
type Refresher struct {
	logger *slog.Logger
	store  *state.Store
	api    RefreshAPI

	// onSessionEnd is invoked once per terminal failure. Wired by the
	// session store to its idempotent logout.
	onSessionEnd func()
	callbackMu   sync.Mutex

	// timer is the single pending refresh timer. Rescheduling stops any
	// prior timer; there are never two pending.
	timer   *time.Timer
	timerMu sync.Mutex

	group singleflight.Group

	now func() time.Time
}

// NewRefresher creates a refresher over the given credential store and
// backend client.
func NewRefresher(store *state.Store, api RefreshAPI, logger *slog.Logger) *Refresher {
	return &Refresher{
		logger: logger,
		store:  store,
		api:    api,
		now:    time.Now,
	}
}

// SetOnSessionEnd wires the callback fired when a refresh fails
// terminally. Must be called before the first Refresh.
func (r *Refresher) SetOnSessionEnd(fn func()) {
	r.callbackMu.Lock()
	r.onSessionEnd = fn
	r.callbackMu.Unlock()
}

// ScheduleNextRefresh reads the current access token and arms a timer to
// refresh it safetyMargin before expiry. No token, or a token without a
// readable expiry, is a silent no-op: degraded but safe, reactive 401
// handling still covers the session. A token already inside the margin is
// refreshed immediately instead of scheduled.
func (r *Refresher) ScheduleNextRefresh() {
	token := r.store.AccessToken()
	if token == "" {
		return
	}

	exp, err := Expiry(token)
	if err != nil || exp.IsZero() {
		r.logger.Debug("access token has no usable expiry, proactive refresh disabled")
		return
	}

	fireAt := exp.Sub(r.now()) - safetyMargin

	r.timerMu.Lock()
	defer r.timerMu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}

	if fireAt <= 0 {
		go r.fire()
		return
	}

	r.logger.Debug("refresh scheduled", slog.Duration("in", fireAt))
	r.timer = time.AfterFunc(fireAt, r.fire)
}

// fire runs a timer-driven refresh. Errors are logged; the terminal
// handling already happened inside Refresh.
func (r *Refresher) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), scheduledRefreshTimeout)
	defer cancel()

	if _, err := r.Refresh(ctx); err != nil {
		r.logger.Warn("scheduled refresh failed", slog.String("error", err.Error()))
	}
}

// Refresh exchanges the refresh token for a new pair, persists it
// atomically, and re-arms the scheduler. Concurrent callers share one
// in-flight refresh and its result. On failure the credentials are
// cleared, the session-end callback fires, and the error propagates.
func (r *Refresher) Refresh(ctx context.Context) (string, error) {
	v, err, _ := r.group.Do("refresh", func() (any, error) {
		pair, ok := r.store.TokenPair()
		if !ok || pair.RefreshToken == "" {
			r.endSession()
			return nil, apperrors.ErrMissingCredential
		}

		resp, err := r.api.RefreshToken(ctx, pair.RefreshToken)
		if err != nil {
			r.endSession()
			return nil, fmt.Errorf("refreshing session: %w", err)
		}

		next := state.TokenPair{
			AccessToken:  resp.Token,
			RefreshToken: resp.RefreshToken,
			Email:        pair.Email,
		}
		if err := r.store.SaveTokenPair(next); err != nil {
			return nil, fmt.Errorf("persisting refreshed tokens: %w", err)
		}

		r.logger.Debug("session refreshed")
		r.ScheduleNextRefresh()

		return resp.Token, nil
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// Stop cancels any pending refresh timer. Idempotent.
func (r *Refresher) Stop() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Refresher) endSession() {
	if err := r.store.ClearTokenPair(); err != nil {
		r.logger.Warn("failed to clear credentials", slog.String("error", err.Error()))
	}

	r.Stop()

	r.callbackMu.Lock()
	fn := r.onSessionEnd
	r.callbackMu.Unlock()

	if fn != nil {
		fn()
	}
}

// pending reports whether a refresh timer is armed. Test hook.
func (r *Refresher) pending() bool {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()

	return r.timer != nil
}
