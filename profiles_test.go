package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	calls    atomic.Int32
	inflight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	fail     map[string]bool
}

func (f *countingFetcher) FetchProfile(_ context.Context, userID string) (Profile, error) {
	f.calls.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.delay)
	if f.fail[userID] {
		return Profile{}, errors.New("boom")
	}
	return Profile{DisplayName: "Name " + userID, AvatarURL: userID + ".png"}, nil
}

func TestProfileResolverMemoizes(t *testing.T) {
	f := &countingFetcher{delay: 20 * time.Millisecond}
	var resolved atomic.Int32
	r := NewProfileResolver(f, "default.png", 4, nil, zerolog.Nop(), func(string) { resolved.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := r.Resolve(context.Background(), "u1")
			assert.NoError(t, err)
			assert.Equal(t, "Name u1", p.DisplayName)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load(), "concurrent lookups share one fetch")
	assert.Equal(t, int32(1), resolved.Load())

	p, ok := r.Lookup("u1")
	require.True(t, ok)
	assert.Equal(t, Profile{UserID: "u1", DisplayName: "Name u1", AvatarURL: "u1.png"}, p)
}

func TestProfileResolverPlaceholder(t *testing.T) {
	f := &countingFetcher{fail: map[string]bool{"bad": true}}
	r := NewProfileResolver(f, "default.png", 1, nil, zerolog.Nop(), nil)

	p, err := r.Resolve(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrProfileFetchFailed)
	assert.Equal(t, Profile{UserID: "bad", DisplayName: "bad", AvatarURL: "default.png", Placeholder: true}, p)

	p, err = r.Resolve(context.Background(), "bad")
	assert.NoError(t, err, "placeholder is memoised for the session")
	assert.True(t, p.Placeholder)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestProfileResolverFillsDefaults(t *testing.T) {
	r := NewProfileResolver(ProfileFetcherFunc(func(context.Context, string) (Profile, error) {
		return Profile{}, nil
	}), "default.png", 1, nil, zerolog.Nop(), nil)

	p, err := r.Resolve(context.Background(), "u7")
	require.NoError(t, err)
	assert.Equal(t, Profile{UserID: "u7", DisplayName: "u7", AvatarURL: "default.png"}, p)
}

func TestProfileResolverRecoversPanickingFetcher(t *testing.T) {
	r := NewProfileResolver(ProfileFetcherFunc(func(context.Context, string) (Profile, error) {
		panic("fetcher bug")
	}), "default.png", 1, nil, zerolog.Nop(), nil)

	p, err := r.Resolve(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrProfileFetchFailed)
	assert.True(t, p.Placeholder)
}

func TestProfileResolverPrefetchBounded(t *testing.T) {
	f := &countingFetcher{delay: 10 * time.Millisecond, fail: map[string]bool{"u3": true}}
	r := NewProfileResolver(f, "default.png", 2, nil, zerolog.Nop(), nil)

	ids := make([]string, 0, 12)
	for i := 0; i < 10; i++ {
		ids = append(ids, fmt.Sprintf("u%d", i))
	}
	ids = append(ids, "u1", "")

	require.NoError(t, r.Prefetch(context.Background(), ids))

	assert.Equal(t, int32(10), f.calls.Load())
	assert.LessOrEqual(t, f.peak.Load(), int32(2))
	p, ok := r.Lookup("u3")
	require.True(t, ok)
	assert.True(t, p.Placeholder)
}
