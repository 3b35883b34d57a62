package clock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/LuiisMarim/bbs-cluster/internal/clock"
)

func TestLamport_Increment(t *testing.T) {
	l := &clock.Lamport{}
	assert.Equal(t, 1, l.Increment())
	assert.Equal(t, 2, l.Increment())
	assert.Equal(t, 2, l.Value())
}

func TestLamport_Update(t *testing.T) {
	t.Run("received ahead of local", func(t *testing.T) {
		l := &clock.Lamport{}
		l.Increment() // local = 1
		l.Update(5)
		assert.Equal(t, 6, l.Value())
	})

	t.Run("local ahead of received", func(t *testing.T) {
		l := &clock.Lamport{}
		for i := 0; i < 5; i++ {
			l.Increment()
		}
		l.Update(1)
		assert.Equal(t, 6, l.Value())
	})
}

func TestPhysical_ApplyOffset(t *testing.T) {
	p := &clock.Physical{}
	before := p.Now()
	p.ApplyOffset(100)
	after := p.Now()
	assert.InDelta(t, before+100, after, 1.0)
	assert.Equal(t, 100.0, p.Offset())
}
