package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"styleai/internal/usertoken"
	"styleai/pkg/domain"
	"styleai/pkg/history"
	"styleai/pkg/storage"
	"styleai/pkg/store"
)

// ErrClosed is returned for logins after Close.
var ErrClosed = errors.New("app closed")

// ErrRateLimited is matched by errors returned when a user exceeded the
// history resync quota.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError carries how long the caller has to wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited; retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// Session is the signed-in state of one user on this device.
type Session struct {
	app    *App
	userID string
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	profile    domain.UserProfile
	hasProfile bool
}

// Login opens a session for the verified identity, creating the user's
// profile on first sign-in, and rebuilds the generated-image history from
// remote storage in the background. Logging in again returns the existing
// session.
func (a *App) Login(ctx context.Context, id usertoken.Identity) (*Session, error) {
	userID := strings.TrimSpace(id.UserID)
	if userID == "" {
		return nil, history.ErrNoUser
	}
	a.mu.Lock()
	if a.bgCtx.Err() != nil {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	sess, ok := a.sessions[userID]
	if !ok {
		sctx, cancel := context.WithCancel(a.bgCtx)
		sess = &Session{app: a, userID: userID, ctx: sctx, cancel: cancel}
		a.sessions[userID] = sess
		// Added under mu so Close cannot be waiting already.
		a.bg.Add(1)
	}
	a.mu.Unlock()

	if err := sess.ensureProfile(ctx, id); err != nil {
		a.logger.Warn("profile unavailable at login", "user_key", history.StorageKey(userID), "err", err)
	}
	if !ok {
		go func() {
			defer a.bg.Done()
			if _, err := a.ResyncHistory(sess.ctx, userID); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("background history resync skipped", "user_key", history.StorageKey(userID), "err", err)
			}
		}()
	}
	return sess, nil
}

// Session returns the open session of userID.
func (a *App) Session(userID string) (*Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[strings.TrimSpace(userID)]
	return sess, ok
}

// Logout closes the session of userID and stops its background work. Local
// files and the persisted history stay for the next sign-in.
func (a *App) Logout(userID string) bool {
	a.mu.Lock()
	sess, ok := a.sessions[strings.TrimSpace(userID)]
	delete(a.sessions, strings.TrimSpace(userID))
	a.mu.Unlock()
	if ok {
		sess.cancel()
	}
	return ok
}

// ResyncHistory rebuilds the user's history from remote storage, subject to
// the per-user resync quota.
func (a *App) ResyncHistory(ctx context.Context, userID string) ([]string, error) {
	if a.limiter != nil {
		if ok, retry := a.limiter.Allow(ctx, "user:"+history.StorageKey(userID)); !ok {
			return nil, &RateLimitError{RetryAfter: retry}
		}
	}
	return a.history.Resync(ctx, userID)
}

// RecentHistory returns the user's generated images, newest first.
func (a *App) RecentHistory(ctx context.Context, userID string) []string {
	return a.history.Recent(ctx, userID)
}

// CheckImageURL reports whether generated images may be saved from rawURL.
func (a *App) CheckImageURL(rawURL string) error {
	return a.history.CheckURL(rawURL)
}

// SaveGenerated records a freshly generated image for userID.
func (a *App) SaveGenerated(ctx context.Context, userID, remoteURL string) (string, bool) {
	return a.history.Save(ctx, remoteURL, userID)
}

// DeleteAccount removes everything stored for userID: the profile, the remote
// generated images and uploads, and the local history and favorites.
func (a *App) DeleteAccount(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return history.ErrNoUser
	}
	a.Logout(userID)
	var errs []error
	if err := a.store.DeleteProfile(ctx, userID); err != nil {
		errs = append(errs, fmt.Errorf("delete profile: %w", err))
	}
	for _, prefix := range []string{storage.GeneratedPrefix(userID), storage.UploadsPrefix(userID)} {
		if err := a.deletePrefix(ctx, prefix); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.history.Purge(ctx, userID); err != nil {
		errs = append(errs, err)
	}
	if err := a.favorites.Clear(ctx, userID); err != nil {
		errs = append(errs, fmt.Errorf("clear favorites: %w", err))
	}
	if len(errs) == 0 {
		a.announce(ctx, domain.CollectionUsers, userID)
		a.logger.Info("account deleted", "user_key", history.StorageKey(userID))
	}
	return errors.Join(errs...)
}

func (a *App) deletePrefix(ctx context.Context, prefix string) error {
	objects, err := a.objects.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list %s: %w", prefix, err)
	}
	for _, obj := range objects {
		if err := a.objects.Delete(ctx, obj.Key); err != nil {
			return fmt.Errorf("delete %s: %w", obj.Key, err)
		}
	}
	return nil
}

// UserID returns the signed-in user.
func (s *Session) UserID() string {
	return s.userID
}

// SaveGenerated downloads a generated image and records it as the newest
// history entry. It returns false when nothing was recorded.
func (s *Session) SaveGenerated(ctx context.Context, remoteURL string) (string, bool) {
	return s.app.SaveGenerated(ctx, s.userID, remoteURL)
}

// Recent returns the generated-image history, newest first.
func (s *Session) Recent(ctx context.Context) []string {
	return s.app.RecentHistory(ctx, s.userID)
}

// Favorites lists the favorited catalog values.
func (s *Session) Favorites(ctx context.Context) ([]string, error) {
	return s.app.favorites.List(ctx, s.userID)
}

// IsFavorite reports whether value is among the favorited catalog values.
func (s *Session) IsFavorite(ctx context.Context, value string) (bool, error) {
	return s.app.favorites.IsFavorite(ctx, s.userID, value)
}

// ToggleFavorite flips value in the favorites set and returns the new state.
func (s *Session) ToggleFavorite(ctx context.Context, value string) (bool, error) {
	return s.app.favorites.Toggle(ctx, s.userID, value)
}

// Profile returns the cached profile, loading it on first use.
func (s *Session) Profile(ctx context.Context) (domain.UserProfile, error) {
	s.mu.RLock()
	p, ok := s.profile, s.hasProfile
	s.mu.RUnlock()
	if ok {
		return p, nil
	}
	if err := s.refreshProfile(ctx); err != nil {
		return domain.UserProfile{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile, nil
}

// AddCoins adjusts the coin balance and announces the profile change.
func (s *Session) AddCoins(ctx context.Context, delta int64) (int64, error) {
	coins, err := s.app.store.AddCoins(ctx, s.userID, delta)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	if s.hasProfile {
		s.profile.Coins = coins
	}
	s.mu.Unlock()
	s.app.announce(ctx, domain.CollectionUsers, s.userID)
	return coins, nil
}

// UploadSource stores a source photo under the user's uploads folder and
// returns its object key.
func (s *Session) UploadSource(ctx context.Context, r io.Reader, size int64) (string, error) {
	key := storage.UploadPath(s.userID, s.app.now().UnixMilli())
	if err := s.app.objects.Put(ctx, key, r, size, "image/png"); err != nil {
		return "", fmt.Errorf("upload source photo: %w", err)
	}
	return key, nil
}

func (s *Session) refreshProfile(ctx context.Context) error {
	p, ok, err := s.app.store.GetProfile(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		s.profile, s.hasProfile = domain.UserProfile{}, false
		return store.ErrProfileNotFound
	}
	s.profile, s.hasProfile = p, true
	return nil
}

func (s *Session) ensureProfile(ctx context.Context, id usertoken.Identity) error {
	_, ok, err := s.app.store.GetProfile(ctx, s.userID)
	if err != nil {
		return err
	}
	if !ok {
		name, surname, _ := strings.Cut(strings.TrimSpace(id.Name), " ")
		now := s.app.now().UTC()
		err := s.app.store.SaveProfile(ctx, domain.UserProfile{
			UserID:    s.userID,
			Name:      name,
			Surname:   strings.TrimSpace(surname),
			Email:     id.Email,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("create profile: %w", err)
		}
	}
	return s.refreshProfile(ctx)
}
