package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/xaenox/autoreply-bot/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

const pqUniqueViolation = "23505"

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// PostgresStorage stores settings and working data as JSONB. The channel
// owner column is the ownership index; user_channels is derived from it.
type PostgresStorage struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, opts ...Option) (*PostgresStorage, error) {
	o := buildOptions(opts)
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db, now: o.now, logger: o.logger}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	o.logger.Info("Connected to PostgreSQL",
		zap.String("host", config.Host),
		zap.String("dbname", config.DBName))
	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	// Read migrations file
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	// Execute migrations
	if _, err = s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *PostgresStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const userColumns = `id, username, first_name, last_name, created_at, last_activity, commands_used, openai_key`

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u        models.User
		commands []byte
		key      sql.NullString
	)
	if err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName,
		&u.CreatedAt, &u.LastActivity, &commands, &key); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(commands, &u.CommandsUsed); err != nil {
		return nil, fmt.Errorf("error decoding commands_used: %w", err)
	}
	if u.CommandsUsed == nil {
		u.CommandsUsed = map[string]int{}
	}
	if key.Valid {
		u.OpenAIKey = &key.String
	}
	return &u, nil
}

func (s *PostgresStorage) insertUser(ctx context.Context, q execer, u *models.User) (bool, error) {
	if u.CommandsUsed == nil {
		u.CommandsUsed = map[string]int{}
	}
	commands, err := json.Marshal(u.CommandsUsed)
	if err != nil {
		return false, err
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Username, u.FirstName, u.LastName, u.CreatedAt, u.LastActivity, commands, u.OpenAIKey)
	if err != nil {
		return false, fmt.Errorf("error inserting user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error getting rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStorage) UpsertUser(ctx context.Context, user *models.User) (bool, error) {
	u := user.Clone()
	now := s.now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.LastActivity.IsZero() {
		u.LastActivity = now
	}
	return s.insertUser(ctx, s.db, u)
}

func (s *PostgresStorage) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying user: %w", err)
	}
	return u, nil
}

func (s *PostgresStorage) RecordActivity(ctx context.Context, userID int64, command string) error {
	query := `UPDATE users SET last_activity = $2 WHERE id = $1`
	args := []any{userID, s.now()}
	if command != "" {
		query = `
			UPDATE users
			SET last_activity = $2,
			    commands_used = jsonb_set(commands_used, ARRAY[$3::text],
			        to_jsonb(COALESCE((commands_used->>$3)::int, 0) + 1))
			WHERE id = $1`
		args = append(args, command)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("error recording activity: %w", err)
	}
	return nil
}

func (s *PostgresStorage) SetCredential(ctx context.Context, userID int64, key string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET openai_key = $2 WHERE id = $1`, userID, key)
	if err != nil {
		return fmt.Errorf("error setting credential: %w", err)
	}
	return expectOneRow(res, fmt.Errorf("user %d: %w", userID, ErrNotFound))
}

func (s *PostgresStorage) GetCredential(ctx context.Context, userID int64) (string, error) {
	var key sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT openai_key FROM users WHERE id = $1`, userID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("error querying credential: %w", err)
	}
	return key.String, nil
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

const channelColumns = `id, title, username, owner_id, settings, total_messages, total_replies, last_activity`

func scanChannel(row rowScanner) (*models.Channel, error) {
	var (
		ch       models.Channel
		username sql.NullString
		settings []byte
		last     sql.NullTime
	)
	if err := row.Scan(&ch.ID, &ch.Title, &username, &ch.OwnerID, &settings,
		&ch.Stats.TotalMessages, &ch.Stats.TotalReplies, &last); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(settings, &ch.Settings); err != nil {
		return nil, fmt.Errorf("error decoding settings: %w", err)
	}
	if username.Valid {
		ch.Username = &username.String
	}
	if last.Valid {
		ch.Stats.LastActivity = &last.Time
	}
	return &ch, nil
}

func (s *PostgresStorage) insertChannel(ctx context.Context, q execer, ch *models.Channel) error {
	settings, err := json.Marshal(ch.Settings)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO channels (`+channelColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ch.ID, ch.Title, ch.Username, ch.OwnerID, settings,
		ch.Stats.TotalMessages, ch.Stats.TotalReplies, ch.Stats.LastActivity)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return fmt.Errorf("channel %d: %w", ch.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("error inserting channel: %w", err)
	}
	return nil
}

func (s *PostgresStorage) CreateChannel(ctx context.Context, channel *models.Channel) error {
	return s.insertChannel(ctx, s.db, channel)
}

func (s *PostgresStorage) GetChannel(ctx context.Context, channelID int64) (*models.Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, channelID)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %d: %w", channelID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying channel: %w", err)
	}
	return ch, nil
}

// UpdateChannelSettings locks the row, merges the patch and writes the whole
// settings document back in the same transaction.
func (s *PostgresStorage) UpdateChannelSettings(ctx context.Context, channelID int64, patch models.SettingsPatch) (*models.Channel, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	var updated *models.Channel
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1 FOR UPDATE`, channelID)
		ch, err := scanChannel(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("channel %d: %w", channelID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("error locking channel: %w", err)
		}
		patch.Apply(&ch.Settings)
		settings, err := json.Marshal(ch.Settings)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE channels SET settings = $2 WHERE id = $1`, channelID, settings); err != nil {
			return fmt.Errorf("error updating settings: %w", err)
		}
		updated = ch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStorage) RecordChannelActivity(ctx context.Context, channelID int64, replied bool) error {
	replies := 0
	if replied {
		replies = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE channels
		SET total_messages = total_messages + 1,
		    total_replies = total_replies + $2,
		    last_activity = $3
		WHERE id = $1`, channelID, replies, s.now())
	if err != nil {
		return fmt.Errorf("error recording channel activity: %w", err)
	}
	return expectOneRow(res, fmt.Errorf("channel %d: %w", channelID, ErrNotFound))
}

func (s *PostgresStorage) ListChannelsForUser(ctx context.Context, userID int64) ([]*models.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE owner_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("error querying channels: %w", err)
	}
	defer rows.Close()

	channels := []*models.Channel{}
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning channel: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

func scanState(row rowScanner) (int64, *models.ConversationState, error) {
	var (
		userID int64
		st     models.ConversationState
		state  string
		data   []byte
	)
	if err := row.Scan(&userID, &state, &data, &st.UpdatedAt); err != nil {
		return 0, nil, err
	}
	st.State = models.StateTag(state)
	if err := json.Unmarshal(data, &st.Data); err != nil {
		return 0, nil, fmt.Errorf("error decoding state data: %w", err)
	}
	if st.Data == nil {
		st.Data = map[string]string{}
	}
	return userID, &st, nil
}

func (s *PostgresStorage) GetState(ctx context.Context, userID int64) (*models.ConversationState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, state, data, updated_at FROM user_states WHERE user_id = $1`, userID)
	_, st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying state: %w", err)
	}
	return st, nil
}

func (s *PostgresStorage) SetState(ctx context.Context, userID int64, tag models.StateTag, data map[string]string) error {
	now := s.now()
	if data == nil {
		// Keep the previous working data, if any.
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO user_states (user_id, state, data, updated_at)
			VALUES ($1, $2, '{}'::jsonb, $3)
			ON CONFLICT (user_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
			userID, string(tag), now)
		if err != nil {
			return fmt.Errorf("error setting state: %w", err)
		}
		return nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_states (user_id, state, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET state = EXCLUDED.state, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		userID, string(tag), payload, now)
	if err != nil {
		return fmt.Errorf("error setting state: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ClearState(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_states WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("error clearing state: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := NewSnapshot()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+userColumns+` FROM users`)
		if err != nil {
			return err
		}
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				rows.Close()
				return err
			}
			snap.Users[idKey(u.ID)] = u
		}
		rows.Close()

		rows, err = tx.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels`)
		if err != nil {
			return err
		}
		for rows.Next() {
			ch, err := scanChannel(rows)
			if err != nil {
				rows.Close()
				return err
			}
			snap.Channels[idKey(ch.ID)] = ch
		}
		rows.Close()

		rows, err = tx.QueryContext(ctx, `SELECT user_id, state, data, updated_at FROM user_states`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			id, st, err := scanState(rows)
			if err != nil {
				return err
			}
			snap.UserStates[idKey(id)] = st
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("error reading snapshot: %w", err)
	}
	if err := snap.Normalize(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *PostgresStorage) Restore(ctx context.Context, snap *Snapshot) error {
	if err := snap.Normalize(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `TRUNCATE users, channels, user_states`); err != nil {
			return fmt.Errorf("error truncating tables: %w", err)
		}
		for _, u := range snap.Users {
			if _, err := s.insertUser(ctx, tx, u); err != nil {
				return err
			}
		}
		for _, ch := range snap.Channels {
			if err := s.insertChannel(ctx, tx, ch); err != nil {
				return err
			}
		}
		for key, st := range snap.UserStates {
			id, err := parseIDKey(key)
			if err != nil {
				return err
			}
			data, err := json.Marshal(st.Data)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO user_states (user_id, state, data, updated_at) VALUES ($1, $2, $3, $4)`,
				id, string(st.State), data, st.UpdatedAt); err != nil {
				return fmt.Errorf("error inserting state: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
