package di

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeRecorder struct {
	name string
	log  *[]string
	err  error
}

func (c *closeRecorder) Close() error {
	*c.log = append(*c.log, c.name)
	return c.err
}

func TestGetBuildsOnce(t *testing.T) {
	c := New()
	builds := 0
	c.RegisterBuilder("svc", func(c *Container) (interface{}, error) {
		builds++
		return "instance", nil
	})

	v1, err := c.Get("svc")
	require.NoError(t, err)
	v2, err := c.Get("svc")
	require.NoError(t, err)
	assert.Equal(t, "instance", v1)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, builds)
}

func TestGetUnknownService(t *testing.T) {
	c := New()
	_, err := c.Get("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service not found")
}

func TestBuilderErrorIsNotCached(t *testing.T) {
	c := New()
	attempts := 0
	c.RegisterBuilder("svc", func(c *Container) (interface{}, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("first attempt fails")
		}
		return 42, nil
	})

	_, err := c.Get("svc")
	require.Error(t, err)

	v, err := c.Get("svc")
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 2, attempts)
}

func TestNestedGetFromBuilder(t *testing.T) {
	c := New()
	c.RegisterBuilder("store", func(c *Container) (interface{}, error) {
		return "store-instance", nil
	})
	c.RegisterBuilder("engine", func(c *Container) (interface{}, error) {
		store, err := c.Get("store")
		if err != nil {
			return nil, err
		}
		return store.(string) + "+engine", nil
	})

	v, err := c.Get("engine")
	require.NoError(t, err)
	assert.Equal(t, "store-instance+engine", v)
}

func TestConcurrentGetBuildsOnce(t *testing.T) {
	c := New()
	builds := 0
	gate := make(chan struct{})
	c.RegisterBuilder("svc", func(c *Container) (interface{}, error) {
		builds++
		<-gate
		return builds, nil
	})

	var wg sync.WaitGroup
	results := make([]interface{}, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get("svc")
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, builds)
	for _, v := range results {
		assert.Equal(t, 1, v)
	}
}

func TestNilInstanceIsCached(t *testing.T) {
	c := New()
	builds := 0
	c.RegisterBuilder("disabled", func(c *Container) (interface{}, error) {
		builds++
		return nil, nil
	})

	v, err := c.Get("disabled")
	require.NoError(t, err)
	assert.Nil(t, v)
	v, err = c.Get("disabled")
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, 1, builds)
}

func TestMustGetPanicsOnUnknown(t *testing.T) {
	c := New()
	assert.Panics(t, func() { c.MustGet("missing") })
}

func TestCloseAllReverseBuildOrder(t *testing.T) {
	c := New()
	var closed []string
	c.RegisterBuilder("store", func(c *Container) (interface{}, error) {
		return &closeRecorder{name: "store", log: &closed}, nil
	})
	c.RegisterBuilder("broker", func(c *Container) (interface{}, error) {
		if _, err := c.Get("store"); err != nil {
			return nil, err
		}
		return &closeRecorder{name: "broker", log: &closed}, nil
	})

	_, err := c.Get("broker")
	require.NoError(t, err)
	require.NoError(t, c.CloseAll())
	assert.Equal(t, []string{"broker", "store"}, closed)
}

func TestCloseAllJoinsErrors(t *testing.T) {
	c := New()
	var closed []string
	bad := errors.New("flush failed")
	c.Register("a", &closeRecorder{name: "a", log: &closed, err: bad})
	c.Register("b", &closeRecorder{name: "b", log: &closed})
	c.Register("plain", 7)

	err := c.CloseAll()
	require.ErrorIs(t, err, bad)
	assert.Equal(t, []string{"b", "a"}, closed)

	// Second pass has nothing left to close.
	require.NoError(t, c.CloseAll())
}

func TestHasAndServiceNames(t *testing.T) {
	c := New()
	c.Register("eager", 1)
	c.RegisterBuilder("lazy", func(c *Container) (interface{}, error) { return 2, nil })

	assert.True(t, c.Has("eager"))
	assert.True(t, c.Has("lazy"))
	assert.False(t, c.Has("other"))
	assert.ElementsMatch(t, []string{"eager", "lazy"}, c.ServiceNames())
}

func TestClear(t *testing.T) {
	c := New()
	c.Register("eager", 1)
	c.RegisterBuilder("lazy", func(c *Container) (interface{}, error) { return 2, nil })

	c.Clear()
	assert.False(t, c.Has("eager"))
	assert.False(t, c.Has("lazy"))
	assert.Empty(t, c.ServiceNames())
}
