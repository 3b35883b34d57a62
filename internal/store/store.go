// Package store implements the replica's append-only persistence layer:
// three JSON array files (logins, channels, messages) plus one JSON
// document per named replication diagnostic, each written via a
// temp-file-then-rename so readers never observe a torn file.
package store

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/LuiisMarim/bbs-cluster/internal/model"
)

const (
	loginsFile   = "logins.json"
	channelsFile = "channels.json"
	messagesFile = "messages.json"
	replicationSubdir = "replication"
)

// Store owns the three in-memory record sequences and the mutex that
// guards them. The diagnostic documents are written straight to disk and
// are not held here; the clocks and the handler's counter have locks of
// their own.
type Store struct {
	mu       sync.Mutex
	dataDir  string
	logins   []model.LoginRecord
	channels []model.ChannelRecord
	messages []model.Message
}

// Open loads whatever is on disk under dataDir (an empty sequence on a
// missing or corrupt file, never an error), creating dataDir and its
// replication subdirectory if needed.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, replicationSubdir), 0o755); err != nil {
		return nil, err
	}
	s := &Store{dataDir: dataDir}
	LoadJSONFile(filepath.Join(dataDir, loginsFile), &s.logins)
	LoadJSONFile(filepath.Join(dataDir, channelsFile), &s.channels)
	LoadJSONFile(filepath.Join(dataDir, messagesFile), &s.messages)
	if s.logins == nil {
		s.logins = []model.LoginRecord{}
	}
	if s.channels == nil {
		s.channels = []model.ChannelRecord{}
	}
	if s.messages == nil {
		s.messages = []model.Message{}
	}
	return s, nil
}

// Logins returns a copy of the login sequence.
func (s *Store) Logins() []model.LoginRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.LoginRecord, len(s.logins))
	copy(out, s.logins)
	return out
}

// Channels returns a copy of the channel sequence.
func (s *Store) Channels() []model.ChannelRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ChannelRecord, len(s.channels))
	copy(out, s.channels)
	return out
}

// Messages returns a copy of the message sequence (public and private
// interleaved, distinguished by Type).
func (s *Store) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// UserExists reports whether user has a login record.
func (s *Store) UserExists(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logins {
		if l.User == user {
			return true
		}
	}
	return false
}

// ChannelExists reports whether channel has a channel record.
func (s *Store) ChannelExists(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.channels {
		if c.Channel == channel {
			return true
		}
	}
	return false
}

// AppendLogin appends a login record and flushes logins.json. A write
// failure is logged; the in-memory append is kept regardless, so the
// request is still considered successful (§4.2 failure semantics).
func (s *Store) AppendLogin(r model.LoginRecord) {
	s.mu.Lock()
	s.logins = append(s.logins, r)
	snapshot := append([]model.LoginRecord{}, s.logins...)
	s.mu.Unlock()
	if err := SaveJSONFile(filepath.Join(s.dataDir, loginsFile), snapshot); err != nil {
		log.Println("[STORE] persist logins erro:", err)
	}
}

// AppendChannel appends a channel record and flushes channels.json.
func (s *Store) AppendChannel(r model.ChannelRecord) {
	s.mu.Lock()
	s.channels = append(s.channels, r)
	snapshot := append([]model.ChannelRecord{}, s.channels...)
	s.mu.Unlock()
	if err := SaveJSONFile(filepath.Join(s.dataDir, channelsFile), snapshot); err != nil {
		log.Println("[STORE] persist channels erro:", err)
	}
}

// AppendMessage appends a public or private message record and flushes
// messages.json.
func (s *Store) AppendMessage(m model.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	snapshot := append([]model.Message{}, s.messages...)
	s.mu.Unlock()
	if err := SaveJSONFile(filepath.Join(s.dataDir, messagesFile), snapshot); err != nil {
		log.Println("[STORE] persist messages erro:", err)
	}
}

// ReplaceLogins overwrites the login sequence wholesale — the effect of
// receiving a replication push or a sync_state snapshot for this kind.
func (s *Store) ReplaceLogins(rs []model.LoginRecord) {
	s.mu.Lock()
	s.logins = rs
	s.mu.Unlock()
	if err := SaveJSONFile(filepath.Join(s.dataDir, loginsFile), rs); err != nil {
		log.Println("[STORE] persist logins erro:", err)
	}
}

// ReplaceChannels overwrites the channel sequence wholesale.
func (s *Store) ReplaceChannels(rs []model.ChannelRecord) {
	s.mu.Lock()
	s.channels = rs
	s.mu.Unlock()
	if err := SaveJSONFile(filepath.Join(s.dataDir, channelsFile), rs); err != nil {
		log.Println("[STORE] persist channels erro:", err)
	}
}

// ReplaceMessages overwrites the message sequence wholesale.
func (s *Store) ReplaceMessages(rs []model.Message) {
	s.mu.Lock()
	s.messages = rs
	s.mu.Unlock()
	if err := SaveJSONFile(filepath.Join(s.dataDir, messagesFile), rs); err != nil {
		log.Println("[STORE] persist messages erro:", err)
	}
}

// Snapshot captures all three sequences atomically, for sync_state
// replies and outbound replication pushes.
type Snapshot struct {
	Logins   []model.LoginRecord
	Channels []model.ChannelRecord
	Messages []model.Message
}

// Snapshot returns a point-in-time copy of the three sequences.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Logins:   append([]model.LoginRecord{}, s.logins...),
		Channels: append([]model.ChannelRecord{}, s.channels...),
		Messages: append([]model.Message{}, s.messages...),
	}
}

// SaveReplicationDiagnostic writes a diagnostic document (replication log
// or election log) under the replication/ subdirectory, keyed by name.
// Diagnostic only — never consulted by the state machine.
func (s *Store) SaveReplicationDiagnostic(name string, payload interface{}) {
	path := filepath.Join(s.dataDir, replicationSubdir, name+".json")
	if err := SaveJSONFile(path, payload); err != nil {
		log.Println("[STORE] persist diagnostic erro:", err)
	}
}

// LoadJSONFile loads path's JSON contents into dest, leaving dest
// untouched on a missing or corrupt file.
func LoadJSONFile(path string, dest interface{}) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	_ = json.NewDecoder(f).Decode(dest)
}

// SaveJSONFile writes v to path via a temp file plus rename so readers
// never see a torn file: they observe either the previous full contents
// or the new full contents, never a partial write. Exported so callers
// outside this package (the reference server) can reuse the same atomic
// persistence idiom.
func SaveJSONFile(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
