package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/xaenox/autoreply-bot/internal/models"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	boltBucketUsers        = "users"         // key: user id -> User JSON
	boltBucketChannels     = "channels"      // key: channel id -> Channel JSON
	boltBucketUserStates   = "user_states"   // key: user id -> ConversationState JSON
	boltBucketUserChannels = "user_channels" // key: user id -> []channel id JSON
)

var boltBuckets = []string{boltBucketUsers, boltBucketChannels, boltBucketUserStates, boltBucketUserChannels}

// BoltStorage keeps one bucket per top-level mapping of the document.
// bbolt serializes writers, so each mutation is one atomic transaction.
type BoltStorage struct {
	db     *bbolt.DB
	now    func() time.Time
	logger *zap.Logger
}

func NewBoltStorage(path string, opts ...Option) (*BoltStorage, error) {
	o := buildOptions(opts)

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening bolt database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range boltBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error creating buckets: %w", err)
	}

	o.logger.Info("Opened bolt storage", zap.String("path", path))
	return &BoltStorage{db: db, now: o.now, logger: o.logger}, nil
}

func getJSON(b *bbolt.Bucket, key string, v any) (bool, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("error decoding record %s: %w", key, err)
	}
	return true, nil
}

func putJSON(b *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func (s *BoltStorage) UpsertUser(ctx context.Context, user *models.User) (bool, error) {
	created := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket([]byte(boltBucketUsers))
		key := idKey(user.ID)
		if users.Get([]byte(key)) != nil {
			return nil
		}
		u := user.Clone()
		now := s.now()
		if u.CreatedAt.IsZero() {
			u.CreatedAt = now
		}
		if u.LastActivity.IsZero() {
			u.LastActivity = now
		}
		created = true
		return putJSON(users, key, u)
	})
	return created, err
}

func (s *BoltStorage) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		found, err := getJSON(tx.Bucket([]byte(boltBucketUsers)), idKey(userID), &user)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("user %d: %w", userID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// updateUser applies fn to an existing user inside one transaction.
func (s *BoltStorage) updateUser(userID int64, missingOK bool, fn func(*models.User)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket([]byte(boltBucketUsers))
		key := idKey(userID)
		var user models.User
		found, err := getJSON(users, key, &user)
		if err != nil {
			return err
		}
		if !found {
			if missingOK {
				return nil
			}
			return fmt.Errorf("user %d: %w", userID, ErrNotFound)
		}
		fn(&user)
		return putJSON(users, key, &user)
	})
}

func (s *BoltStorage) RecordActivity(ctx context.Context, userID int64, command string) error {
	return s.updateUser(userID, true, func(u *models.User) {
		u.Touch(command, s.now())
	})
}

func (s *BoltStorage) SetCredential(ctx context.Context, userID int64, key string) error {
	return s.updateUser(userID, false, func(u *models.User) {
		u.OpenAIKey = &key
	})
}

func (s *BoltStorage) GetCredential(ctx context.Context, userID int64) (string, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.OpenAIKey == nil {
		return "", nil
	}
	return *user.OpenAIKey, nil
}

func (s *BoltStorage) CreateChannel(ctx context.Context, channel *models.Channel) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		channels := tx.Bucket([]byte(boltBucketChannels))
		key := idKey(channel.ID)
		if channels.Get([]byte(key)) != nil {
			return fmt.Errorf("channel %d: %w", channel.ID, ErrAlreadyExists)
		}
		if err := putJSON(channels, key, channel); err != nil {
			return err
		}

		index := tx.Bucket([]byte(boltBucketUserChannels))
		ownerKey := idKey(channel.OwnerID)
		var ids []int64
		if _, err := getJSON(index, ownerKey, &ids); err != nil {
			return err
		}
		ids = append(ids, channel.ID)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		return putJSON(index, ownerKey, ids)
	})
}

func (s *BoltStorage) GetChannel(ctx context.Context, channelID int64) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.View(func(tx *bbolt.Tx) error {
		found, err := getJSON(tx.Bucket([]byte(boltBucketChannels)), idKey(channelID), &ch)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("channel %d: %w", channelID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *BoltStorage) updateChannel(channelID int64, fn func(*models.Channel)) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.Update(func(tx *bbolt.Tx) error {
		channels := tx.Bucket([]byte(boltBucketChannels))
		key := idKey(channelID)
		found, err := getJSON(channels, key, &ch)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("channel %d: %w", channelID, ErrNotFound)
		}
		fn(&ch)
		return putJSON(channels, key, &ch)
	})
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *BoltStorage) UpdateChannelSettings(ctx context.Context, channelID int64, patch models.SettingsPatch) (*models.Channel, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	return s.updateChannel(channelID, func(ch *models.Channel) {
		patch.Apply(&ch.Settings)
	})
}

func (s *BoltStorage) RecordChannelActivity(ctx context.Context, channelID int64, replied bool) error {
	_, err := s.updateChannel(channelID, func(ch *models.Channel) {
		now := s.now()
		ch.Stats.TotalMessages++
		if replied {
			ch.Stats.TotalReplies++
		}
		ch.Stats.LastActivity = &now
	})
	return err
}

// ListChannelsForUser reads ids from the index and keeps only channels whose
// owner field matches; the owner field is authoritative.
func (s *BoltStorage) ListChannelsForUser(ctx context.Context, userID int64) ([]*models.Channel, error) {
	channels := []*models.Channel{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		var ids []int64
		if _, err := getJSON(tx.Bucket([]byte(boltBucketUserChannels)), idKey(userID), &ids); err != nil {
			return err
		}
		bucket := tx.Bucket([]byte(boltBucketChannels))
		for _, id := range ids {
			var ch models.Channel
			found, err := getJSON(bucket, idKey(id), &ch)
			if err != nil {
				return err
			}
			if !found || ch.OwnerID != userID {
				s.logger.Warn("Channel index out of sync",
					zap.Int64("user_id", userID),
					zap.Int64("channel_id", id))
				continue
			}
			channels = append(channels, &ch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return channels, nil
}

func (s *BoltStorage) GetState(ctx context.Context, userID int64) (*models.ConversationState, error) {
	var st models.ConversationState
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = getJSON(tx.Bucket([]byte(boltBucketUserStates)), idKey(userID), &st)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	if st.Data == nil {
		st.Data = map[string]string{}
	}
	return &st, nil
}

func (s *BoltStorage) SetState(ctx context.Context, userID int64, tag models.StateTag, data map[string]string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		states := tx.Bucket([]byte(boltBucketUserStates))
		key := idKey(userID)
		next := models.ConversationState{State: tag, UpdatedAt: s.now()}
		if data != nil {
			next.Data = models.CloneData(data)
		} else {
			var prev models.ConversationState
			if _, err := getJSON(states, key, &prev); err != nil {
				return err
			}
			next.Data = models.CloneData(prev.Data)
		}
		return putJSON(states, key, &next)
	})
}

func (s *BoltStorage) ClearState(ctx context.Context, userID int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(boltBucketUserStates)).Delete([]byte(idKey(userID)))
	})
}

func (s *BoltStorage) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := NewSnapshot()
	err := s.db.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(boltBucketUsers)).ForEach(func(k, v []byte) error {
			var u models.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			snap.Users[string(k)] = &u
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(boltBucketChannels)).ForEach(func(k, v []byte) error {
			var ch models.Channel
			if err := json.Unmarshal(v, &ch); err != nil {
				return err
			}
			snap.Channels[string(k)] = &ch
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket([]byte(boltBucketUserStates)).ForEach(func(k, v []byte) error {
			var st models.ConversationState
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			snap.UserStates[string(k)] = &st
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if err := snap.Normalize(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *BoltStorage) Restore(ctx context.Context, snap *Snapshot) error {
	if err := snap.Normalize(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range boltBuckets {
			if err := tx.DeleteBucket([]byte(name)); err != nil {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		users := tx.Bucket([]byte(boltBucketUsers))
		for key, u := range snap.Users {
			if err := putJSON(users, key, u); err != nil {
				return err
			}
		}
		channels := tx.Bucket([]byte(boltBucketChannels))
		for key, ch := range snap.Channels {
			if err := putJSON(channels, key, ch); err != nil {
				return err
			}
		}
		states := tx.Bucket([]byte(boltBucketUserStates))
		for key, st := range snap.UserStates {
			if err := putJSON(states, key, st); err != nil {
				return err
			}
		}
		index := tx.Bucket([]byte(boltBucketUserChannels))
		for key, ids := range snap.UserChannels {
			if err := putJSON(index, key, ids); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}
