package mqttasync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleTable(t *testing.T) {
	t.Run("leak and reclaim", func(t *testing.T) {
		table := newHandleTable()
		h := table.leak("value")
		assert.NotZero(t, h)
		assert.Equal(t, 1, table.len())

		v, ok := table.borrow(h)
		require.True(t, ok)
		assert.Equal(t, "value", v)
		assert.Equal(t, 1, table.len())

		v, ok = table.reclaim(h)
		require.True(t, ok)
		assert.Equal(t, "value", v)
		assert.Equal(t, 0, table.len())

		_, ok = table.reclaim(h)
		assert.False(t, ok)
		_, ok = table.borrow(h)
		assert.False(t, ok)
	})

	t.Run("retain keeps entry alive", func(t *testing.T) {
		table := newHandleTable()
		h := table.leak(42)
		require.True(t, table.retain(h))

		_, ok := table.reclaim(h)
		require.True(t, ok)
		assert.Equal(t, 1, table.len())

		_, ok = table.reclaim(h)
		require.True(t, ok)
		assert.Equal(t, 0, table.len())

		assert.False(t, table.retain(h))
	})

	t.Run("handles are unique", func(t *testing.T) {
		table := newHandleTable()
		a := table.leak(1)
		b := table.leak(2)
		assert.NotEqual(t, a, b)
	})

	t.Run("concurrent", func(t *testing.T) {
		table := newHandleTable()
		var wg sync.WaitGroup
		for i := range 64 {
			wg.Go(func() {
				h := table.leak(i)
				v, ok := table.reclaim(h)
				assert.True(t, ok)
				assert.Equal(t, i, v)
			})
		}
		wg.Wait()
		assert.Equal(t, 0, table.len())
	})
}
