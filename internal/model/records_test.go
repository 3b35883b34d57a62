package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/LuiisMarim/bbs-cluster/internal/model"
)

func TestMessage_Less(t *testing.T) {
	t.Run("orders by clock first", func(t *testing.T) {
		a := model.Message{Clock: 1, Timestamp: 100}
		b := model.Message{Clock: 2, Timestamp: 1}
		assert.True(t, a.Less(b))
		assert.False(t, b.Less(a))
	})

	t.Run("breaks ties by timestamp", func(t *testing.T) {
		a := model.Message{Clock: 1, Timestamp: 1}
		b := model.Message{Clock: 1, Timestamp: 2}
		assert.True(t, a.Less(b))
	})
}
