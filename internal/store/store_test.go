package store_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuiisMarim/bbs-cluster/internal/model"
	"github.com/LuiisMarim/bbs-cluster/internal/store"
)

func TestOpen_FreshDirectory(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)
	assert.Empty(t, st.Logins())
	assert.Empty(t, st.Channels())
	assert.Empty(t, st.Messages())
}

func TestAppendLogin_PersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)

	st.AppendLogin(model.LoginRecord{User: "alice", Timestamp: 1, Clock: 1})
	assert.True(t, st.UserExists("alice"))
	assert.False(t, st.UserExists("bob"))

	reopened, err := store.Open(dir)
	require.NoError(t, err)
	assert.Len(t, reopened.Logins(), 1)
	assert.Equal(t, "alice", reopened.Logins()[0].User)
}

func TestAppendChannel_DuplicateDetection(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)

	st.AppendChannel(model.ChannelRecord{Channel: "general", Timestamp: 1, Clock: 1})
	assert.True(t, st.ChannelExists("general"))
	assert.False(t, st.ChannelExists("random"))
}

func TestReplaceMessages_OverwritesWholesale(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)

	st.AppendMessage(model.Message{Type: model.MessageKindPublish, Channel: "general", Message: "hi", Clock: 1})
	st.ReplaceMessages([]model.Message{
		{Type: model.MessageKindPublish, Channel: "general", Message: "replaced", Clock: 2},
	})

	msgs := st.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "replaced", msgs[0].Message)
}

func TestSnapshot_IsIndependentCopy(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)

	st.AppendLogin(model.LoginRecord{User: "alice", Clock: 1})
	snap := st.Snapshot()
	st.AppendLogin(model.LoginRecord{User: "bob", Clock: 2})

	assert.Len(t, snap.Logins, 1)
	assert.Len(t, st.Logins(), 2)
}

func TestSaveReplicationDiagnostic_WritesUnderSubdirectory(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)

	st.SaveReplicationDiagnostic("replication_server_1", map[string]interface{}{"server": "server_1"})

	path := filepath.Join(dir, "replication", "replication_server_1.json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "server_1", decoded["server"])
}

func TestOpen_CorruptFileYieldsEmptySequence(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logins.json"), []byte("not json"), 0o644))

	st, err := store.Open(dir)
	require.NoError(t, err)
	assert.Empty(t, st.Logins())
}
