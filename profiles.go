package chatsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ProfileFetcher loads a user's display profile.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, userID string) (Profile, error)
}

// ProfileFetcherFunc adapts a function to ProfileFetcher.
type ProfileFetcherFunc func(ctx context.Context, userID string) (Profile, error)

func (f ProfileFetcherFunc) FetchProfile(ctx context.Context, userID string) (Profile, error) {
	return f(ctx, userID)
}

// ProfileResolver memoises profiles per user for the session. Concurrent
// lookups of the same user share one fetch. A failed fetch memoises a
// placeholder so the user is not retried.
type ProfileResolver struct {
	fetcher       ProfileFetcher
	defaultAvatar string
	concurrency   int
	metrics       *Metrics
	log           zerolog.Logger
	onResolved    func(userID string)

	mu    sync.RWMutex
	cache map[string]Profile
	group singleflight.Group
}

// NewProfileResolver creates a resolver. onResolved, if set, is called once
// per user when a profile (or its placeholder) enters the cache.
func NewProfileResolver(fetcher ProfileFetcher, defaultAvatar string, concurrency int, metrics *Metrics, log zerolog.Logger, onResolved func(string)) *ProfileResolver {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &ProfileResolver{
		fetcher:       fetcher,
		defaultAvatar: defaultAvatar,
		concurrency:   concurrency,
		metrics:       metrics,
		log:           log,
		onResolved:    onResolved,
		cache:         make(map[string]Profile),
	}
}

// Lookup returns the cached profile without fetching.
func (r *ProfileResolver) Lookup(userID string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.cache[userID]
	return p, ok
}

// Resolve returns the profile for userID, fetching it on first use. On fetch
// failure it returns the placeholder together with an error matching
// ErrProfileFetchFailed.
func (r *ProfileResolver) Resolve(ctx context.Context, userID string) (Profile, error) {
	if p, ok := r.Lookup(userID); ok {
		r.metrics.profileLookup("hit")
		return p, nil
	}
	v, err, _ := r.group.Do(userID, func() (any, error) {
		if p, ok := r.Lookup(userID); ok {
			return p, nil
		}
		r.metrics.profileLookup("fetch")
		p, err := r.fetch(ctx, userID)
		if err != nil {
			r.metrics.profileLookup("error")
			r.log.Warn().Err(err).Str("user_id", userID).Msg("Profile fetch failed, using placeholder")
			p = r.placeholder(userID)
			err = fmt.Errorf("%w: %s: %v", ErrProfileFetchFailed, userID, err)
		}
		r.store(userID, p)
		return p, err
	})
	return v.(Profile), err
}

// Prefetch resolves every id with bounded concurrency. Failures are already
// memoised as placeholders, so Prefetch only returns a context error.
func (r *ProfileResolver) Prefetch(ctx context.Context, ids []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := r.Lookup(id); ok {
			continue
		}
		id := id
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, _ = r.Resolve(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (r *ProfileResolver) fetch(ctx context.Context, userID string) (p Profile, err error) {
	if r.fetcher == nil {
		return Profile{}, fmt.Errorf("no profile fetcher configured")
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("profile fetcher panicked: %v", rec)
		}
	}()
	p, err = r.fetcher.FetchProfile(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	p.UserID = userID
	if p.DisplayName == "" {
		p.DisplayName = userID
	}
	if p.AvatarURL == "" {
		p.AvatarURL = r.defaultAvatar
	}
	return p, nil
}

func (r *ProfileResolver) placeholder(userID string) Profile {
	return Profile{
		UserID:      userID,
		DisplayName: userID,
		AvatarURL:   r.defaultAvatar,
		Placeholder: true,
	}
}

func (r *ProfileResolver) store(userID string, p Profile) {
	r.mu.Lock()
	_, existed := r.cache[userID]
	if !existed {
		r.cache[userID] = p
	}
	r.mu.Unlock()
	if !existed && r.onResolved != nil {
		r.onResolved(userID)
	}
}
