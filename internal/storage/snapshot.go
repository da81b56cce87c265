package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/xaenox/autoreply-bot/internal/models"
)

// Snapshot is the whole store as one document. The four top-level mappings
// are keyed by stringified numeric ids.
type Snapshot struct {
	Users        map[string]*models.User              `json:"users"`
	Channels     map[string]*models.Channel           `json:"channels"`
	UserStates   map[string]*models.ConversationState `json:"user_states"`
	UserChannels map[string][]int64                   `json:"user_channels"`
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Users:        map[string]*models.User{},
		Channels:     map[string]*models.Channel{},
		UserStates:   map[string]*models.ConversationState{},
		UserChannels: map[string][]int64{},
	}
}

func idKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseIDKey(key string) (int64, error) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id key %q: %w", key, err)
	}
	return id, nil
}

// BuildChannelIndex derives user_channels from the channel owners.
func BuildChannelIndex(channels map[string]*models.Channel) map[string][]int64 {
	index := map[string][]int64{}
	for _, ch := range channels {
		owner := idKey(ch.OwnerID)
		index[owner] = append(index[owner], ch.ID)
	}
	for _, ids := range index {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return index
}

// Normalize fills missing maps, takes ids from keys where records omit them,
// rejects records whose id disagrees with their key and rebuilds
// user_channels from channel ownership.
func (s *Snapshot) Normalize() error {
	if s.Users == nil {
		s.Users = map[string]*models.User{}
	}
	if s.Channels == nil {
		s.Channels = map[string]*models.Channel{}
	}
	if s.UserStates == nil {
		s.UserStates = map[string]*models.ConversationState{}
	}
	for key, u := range s.Users {
		if u == nil {
			return fmt.Errorf("user %s: empty record", key)
		}
		id, err := parseIDKey(key)
		if err != nil {
			return err
		}
		if u.ID == 0 {
			u.ID = id
		}
		if u.ID != id {
			return fmt.Errorf("user key %s does not match id %d", key, u.ID)
		}
		if u.CommandsUsed == nil {
			u.CommandsUsed = map[string]int{}
		}
	}
	for key, ch := range s.Channels {
		if ch == nil {
			return fmt.Errorf("channel %s: empty record", key)
		}
		id, err := parseIDKey(key)
		if err != nil {
			return err
		}
		if ch.ID == 0 {
			ch.ID = id
		}
		if ch.ID != id {
			return fmt.Errorf("channel key %s does not match id %d", key, ch.ID)
		}
	}
	for key, st := range s.UserStates {
		if _, err := parseIDKey(key); err != nil {
			return err
		}
		if st == nil {
			delete(s.UserStates, key)
			continue
		}
		if st.Data == nil {
			st.Data = map[string]string{}
		}
	}
	s.UserChannels = BuildChannelIndex(s.Channels)
	return nil
}

// ReadSnapshot decodes a JSON document and normalizes it.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	snap := NewSnapshot()
	if err := json.NewDecoder(r).Decode(snap); err != nil {
		return nil, fmt.Errorf("error decoding snapshot: %w", err)
	}
	if err := snap.Normalize(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Write encodes the snapshot as indented JSON.
func (s *Snapshot) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	enc.SetEscapeHTML(false)
	return enc.Encode(s)
}

// LoadSnapshotFile reads the document at path. A missing file yields an
// empty snapshot.
func LoadSnapshotFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("error opening snapshot: %w", err)
	}
	defer f.Close()
	return ReadSnapshot(f)
}

// SaveSnapshotFile writes the document next to path and renames it into
// place, so readers never observe a partial file.
func SaveSnapshotFile(path string, snap *Snapshot) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("error creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := snap.Write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("error syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error closing snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("error replacing snapshot: %w", err)
	}
	return nil
}
