package registry

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/fragcache/internal/cache"
	"github.com/jmylchreest/fragcache/internal/recorder"
	"github.com/jmylchreest/fragcache/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCache() *cache.Cache {
	return cache.New(cache.DefaultConfig(), discardLogger())
}

func TestValidBasePath(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"front_door", true},
		{"Cam.01", true},
		{"a", true},
		{strings.Repeat("x", 50), true},
		{strings.Repeat("x", 51), false},
		{"", false},
		{"has space", false},
		{"slash/path", false},
		{"dash-name", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidBasePath(tt.name))
		})
	}
}

func TestRegistry_AddAndGet(t *testing.T) {
	r := New(discardLogger())
	c := newCache()

	s, err := r.Add("front_door", c, Options{ServeHTTP: true})
	require.NoError(t, err)
	assert.Same(t, c, s.Cache)

	got, err := r.Get("front_door")
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = r.Get("back_door")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Rejects(t *testing.T) {
	r := New(discardLogger())

	_, err := r.Add("no/slashes", newCache(), Options{})
	require.ErrorIs(t, err, ErrInvalidBasePath)

	_, err = r.Add("cam", newCache(), Options{})
	require.NoError(t, err)
	_, err = r.Add("cam", newCache(), Options{})
	require.ErrorIs(t, err, ErrDuplicateBasePath)
}

func TestRegistry_RunningFollowsEvents(t *testing.T) {
	r := New(discardLogger())
	c := newCache()
	s, err := r.Add("cam", c, Options{})
	require.NoError(t, err)
	assert.False(t, s.Running())

	gen := testutil.NewStreamGeneratorWithSeed(testutil.VideoOnly, 1)
	_, err = c.Write(gen.Init())
	require.NoError(t, err)
	assert.True(t, s.Running())
	assert.True(t, r.List()[0].Running)

	c.Reset()
	assert.False(t, s.Running())
}

func TestRegistry_AddInitializedCache(t *testing.T) {
	c := newCache()
	gen := testutil.NewStreamGeneratorWithSeed(testutil.AudioOnly, 2)
	_, err := c.Write(gen.Init())
	require.NoError(t, err)

	s, err := New(discardLogger()).Add("radio", c, Options{})
	require.NoError(t, err)
	assert.True(t, s.Running())
}

func TestRegistry_List(t *testing.T) {
	r := New(discardLogger())
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := r.Add(name, newCache(), Options{ServeHTTP: true, ServeWS: name == "mid"})
		require.NoError(t, err)
	}

	assert.Equal(t, []Entry{
		{BasePath: "alpha", ServeHTTP: true},
		{BasePath: "mid", ServeHTTP: true, ServeWS: true},
		{BasePath: "zeta", ServeHTTP: true},
	}, r.List())
}

func TestRegistry_Remove(t *testing.T) {
	r := New(discardLogger())
	c := newCache()
	s, err := r.Add("cam", c, Options{})
	require.NoError(t, err)

	gen := testutil.NewStreamGeneratorWithSeed(testutil.VideoOnly, 3)
	_, err = c.Write(gen.Init())
	require.NoError(t, err)
	sub, err := c.Subscribe(cache.SubscribeOptions{Mode: cache.AllFuture})
	require.NoError(t, err)

	require.NoError(t, r.Remove("cam"))
	assert.False(t, s.Running())
	assert.Nil(t, c.Initialization())

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}

	assert.ErrorIs(t, r.Remove("cam"), ErrNotFound)
	assert.Empty(t, r.List())
}

func TestRegistry_RemoveStopsRecorder(t *testing.T) {
	r := New(discardLogger())
	c := newCache()
	s, err := r.Add("cam", c, Options{})
	require.NoError(t, err)
	s.Recorder = recorder.New("cam", c, recorder.Config{Dir: t.TempDir()}, discardLogger())

	gen := testutil.NewStreamGeneratorWithSeed(testutil.VideoOnly, 3)
	_, err = c.Write(gen.Init())
	require.NoError(t, err)
	require.NoError(t, s.Recorder.Start(recorder.Options{}))
	require.True(t, s.Recorder.Running())

	require.NoError(t, r.Remove("cam"))
	assert.False(t, s.Recorder.Running())
}

func TestRegistry_Close(t *testing.T) {
	r := New(nil)
	for _, name := range []string{"a", "b"} {
		_, err := r.Add(name, newCache(), Options{})
		require.NoError(t, err)
	}

	r.Close()
	assert.Empty(t, r.Streams())
}
