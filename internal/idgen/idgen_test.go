package idgen_test

import (
	"sync"
	"testing"

	"github.com/hyphengolang/prelude/testing/is"

	"github.com/rapidmidiex/wampx/internal/idgen"
	"github.com/rapidmidiex/wampx/internal/wamp"
)

func TestAllocator(t *testing.T) {
	t.Run("ids are in range and unique", func(t *testing.T) {
		is := is.New(t)

		a := idgen.New()
		seen := make(map[wamp.ID]bool)
		for i := 0; i < 10000; i++ {
			id := a.Next()
			is.True(id > 0)         // never zero
			is.True(id < idgen.Max) // fits in 53 bits
			is.True(!seen[id])      // unique while live
			seen[id] = true
		}
		is.Equal(a.Len(), 10000)
	})

	t.Run("redraws on collision and out of range values", func(t *testing.T) {
		is := is.New(t)

		seq := []uint64{0, 7, 7, idgen.Max, 7, 9}
		a := idgen.NewWithSource(func() uint64 {
			n := seq[0]
			seq = seq[1:]
			return n
		})

		is.Equal(a.Next(), wamp.ID(7)) // 0 skipped
		is.Equal(a.Next(), wamp.ID(9)) // live 7 and 2^53 skipped
	})

	t.Run("released ids can be handed out again", func(t *testing.T) {
		is := is.New(t)

		a := idgen.NewWithSource(func() uint64 { return 42 })
		id := a.Next()
		a.Release(id)
		is.Equal(a.Len(), 0)
		is.Equal(a.Next(), id)
	})

	t.Run("concurrent use", func(t *testing.T) {
		is := is.New(t)

		a := idgen.New()
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					a.Release(a.Next())
				}
			}()
		}
		wg.Wait()
		is.Equal(a.Len(), 0)
	})
}
