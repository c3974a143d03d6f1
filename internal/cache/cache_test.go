package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU[string](2, nil)
	c.Set("a", "1")
	c.Set("b", "2")
	_, _ = c.Get("a")
	c.Set("c", "3")

	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"))
	assert.True(t, c.Has("c"))
	assert.Equal(t, 2, c.Len())
}

func TestLRUByteBudget(t *testing.T) {
	c := NewLRU[[]float64](10, func(key string, v []float64) int64 { return int64(len(v) * 4) })
	c.Set("a", []float64{1, 2})
	c.Set("b", []float64{1})
	assert.Equal(t, int64(4), c.Size())
	assert.False(t, c.Has("a"))

	c.Set("huge", make([]float64, 10))
	assert.False(t, c.Has("huge"))
	assert.True(t, c.Has("b"))
}

func TestLRUDumpLoadKeepsOrder(t *testing.T) {
	c := NewLRU[int](3, nil)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	dump := c.Dump()
	require.Len(t, dump, 3)
	assert.Equal(t, "c", dump[0].Key)

	other := NewLRU[int](3, nil)
	other.Load(dump)
	assert.Equal(t, dump, other.Dump())
}

func TestLRUOnChange(t *testing.T) {
	c := NewLRU[int](3, nil)
	calls := 0
	c.OnChange(func() { calls++ })
	c.Set("a", 1)
	c.Set("b", 2)
	assert.Equal(t, 2, calls)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry[int](10, nil)
	c := r.GetOrCreate("cities", "bot1")
	c.Set("paris", 1)

	assert.Same(t, c, r.GetOrCreate("cities", "bot1"))
	assert.NotSame(t, c, r.GetOrCreate("cities", "bot2"))

	r.Copy("cities", "towns", "bot1")
	assert.True(t, r.GetOrCreate("towns", "bot1").Has("paris"))

	loaded := r.LoadFromData("cities", "bot1", []Entry[int]{{Key: "rome", Value: 2}})
	assert.False(t, loaded.Has("rome"))

	r.Delete("cities", "bot1")
	assert.Equal(t, 0, r.GetOrCreate("cities", "bot1").Len())
}

func TestDumperWritesAndRestores(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "cache", "vectors.json")
	c := NewLRU[[]float64](100, nil)
	d := NewDumper(path, 10*time.Millisecond, func() any { return c.Dump() }, zerolog.Nop())
	c.OnChange(d.Trigger)

	c.Set("hello", []float64{1, 2})
	c.Set("world", []float64{3, 4})

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	d.Close()

	restored := NewLRU[[]float64](100, nil)
	require.NoError(t, Restore(path, restored))
	v, ok := restored.Get("world")
	require.True(t, ok)
	assert.Equal(t, []float64{3, 4}, v)
}

func TestDumperDisablesOnFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	d := NewDumper(filepath.Join(blocker, "sub", "dump.json"), time.Millisecond, func() any { return []int{1} }, zerolog.Nop())
	defer d.Close()

	d.Trigger()
	require.Eventually(t, d.Disabled, time.Second, 5*time.Millisecond)
}

func TestRestoreMissingFile(t *testing.T) {
	c := NewLRU[int](1, nil)
	assert.NoError(t, Restore(filepath.Join(t.TempDir(), "nope.json"), c))
}
