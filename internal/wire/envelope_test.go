package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuiisMarim/bbs-cluster/internal/wire"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	env := wire.New("login", 123.5, 7)
	env.Data["user"] = "alice"
	env.Data["limit"] = 10

	raw, err := wire.Marshal(env)
	require.NoError(t, err)

	decoded, err := wire.Unmarshal(raw)
	require.NoError(t, err)

	assert.Equal(t, "login", decoded.Service)
	assert.Equal(t, 123.5, decoded.Timestamp)
	assert.Equal(t, 7, decoded.Clock)
	assert.Equal(t, "alice", decoded.String("user"))
	assert.Equal(t, 10, decoded.Int("limit"))
}

func TestEnvelope_StringMissingField(t *testing.T) {
	env := wire.New("users", 0, 0)
	assert.Equal(t, "", env.String("nope"))
}

func TestEnvelope_FloatCoercion(t *testing.T) {
	env := wire.New("get_time", 0, 0)
	env.Data["time"] = float32(1.5)
	assert.Equal(t, float64(1.5), env.Float("time"))
}
