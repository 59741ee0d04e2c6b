package studystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore implements Store on a SQLite database file.
type SQLiteStore struct {
	db    *sql.DB
	clock Clock
}

var _ Store = &SQLiteStore{}

type SQLiteOption func(*SQLiteStore)

// WithSQLiteClock overrides the time source, mostly for tests.
func WithSQLiteClock(c Clock) SQLiteOption {
	return func(s *SQLiteStore) { s.clock = c }
}

func NewSQLiteStore(dsn string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite study store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite study store: open")
	}
	// Each write is a short read-then-write transaction; one connection keeps
	// them from racing on lock upgrades.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile returns a DSN with WAL and a busy timeout for path.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite study store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS participants (
		  id TEXT PRIMARY KEY,
		  participant_id TEXT NOT NULL UNIQUE,
		  first_seen_ms INTEGER NOT NULL,
		  total_conversations INTEGER NOT NULL DEFAULT 0,
		  metadata TEXT NOT NULL DEFAULT '{}',
		  updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
		  id TEXT PRIMARY KEY,
		  participant_id TEXT NOT NULL,
		  scenario_id TEXT NOT NULL,
		  category TEXT NOT NULL,
		  client_metadata TEXT NOT NULL DEFAULT '{}',
		  start_ms INTEGER NOT NULL,
		  end_ms INTEGER,
		  duration_ms INTEGER,
		  interaction_count INTEGER NOT NULL DEFAULT 0,
		  completed_normally INTEGER NOT NULL DEFAULT 0,
		  timed_out INTEGER NOT NULL DEFAULT 0,
		  user_agent TEXT NOT NULL DEFAULT '',
		  updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS conversations_by_participant
		  ON conversations(participant_id, start_ms);`,
		`CREATE TABLE IF NOT EXISTS messages (
		  id TEXT PRIMARY KEY,
		  conversation_id TEXT NOT NULL REFERENCES conversations(id),
		  role TEXT NOT NULL,
		  content TEXT NOT NULL,
		  timestamp_ms INTEGER NOT NULL,
		  sequence_number INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_conversation
		  ON messages(conversation_id, sequence_number);`,
		`CREATE TABLE IF NOT EXISTS browser_identities (
		  client_key TEXT PRIMARY KEY,
		  participant_id TEXT NOT NULL,
		  updated_at_ms INTEGER NOT NULL
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite study store: migrate")
		}
	}
	return nil
}

// CreateParticipantOrIncrement inserts the participant with a count of 1, or bumps
// the count of an existing row. The upsert is a single statement, so concurrent
// sessions for the same participant do not lose increments.
func (s *SQLiteStore) CreateParticipantOrIncrement(ctx context.Context, participantID string) error {
	const op = "sqlite study store: upsert participant"
	if err := s.check(); err != nil {
		return opErr(op, err)
	}
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return opErr(op, errors.New("participant id is empty"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := s.clock.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (id, participant_id, first_seen_ms, total_conversations, updated_at_ms)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(participant_id) DO UPDATE SET
			total_conversations = participants.total_conversations + 1,
			updated_at_ms = excluded.updated_at_ms
	`, uuid.NewString(), participantID, now, now)
	return opErr(op, err)
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, in NewConversation) (string, error) {
	const op = "sqlite study store: create conversation"
	if err := s.check(); err != nil {
		return "", opErr(op, err)
	}
	if strings.TrimSpace(in.ParticipantID) == "" || strings.TrimSpace(in.ScenarioID) == "" {
		return "", opErr(op, errors.New("participant id and scenario id are required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	meta, err := marshalMetadata(in.ClientMetadata)
	if err != nil {
		return "", opErr(op, err)
	}
	id := uuid.NewString()
	now := s.clock.now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (
			id, participant_id, scenario_id, category, client_metadata,
			start_ms, interaction_count, completed_normally, timed_out, user_agent, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?)
	`, id, in.ParticipantID, in.ScenarioID, in.Category, meta, now, in.UserAgent, now)
	if err != nil {
		return "", opErr(op, err)
	}
	return id, nil
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, conversationID string, msg Message) error {
	const op = "sqlite study store: save message"
	if err := s.check(); err != nil {
		return opErr(op, err)
	}
	if err := validateMessage(conversationID, msg); err != nil {
		return opErr(op, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = s.clock.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return opErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var endMs sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT end_ms FROM conversations WHERE id = ?`, conversationID).Scan(&endMs)
	if errors.Is(err, sql.ErrNoRows) {
		return opErr(op, ErrNotFound)
	}
	if err != nil {
		return opErr(op, err)
	}
	if endMs.Valid {
		return opErr(op, ErrConversationClosed)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, timestamp_ms, sequence_number)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, conversationID, string(msg.Role), msg.Content, ts.UnixMilli(), msg.SequenceNumber); err != nil {
		return opErr(op, err)
	}

	// Derived from the rows, never incremented.
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET
			interaction_count = (
				SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND role = ?
			),
			updated_at_ms = ?
		WHERE id = ?
	`, conversationID, string(RoleParticipant), s.clock.now().UnixMilli(), conversationID); err != nil {
		return opErr(op, errors.Wrap(err, "update interaction count"))
	}

	return opErr(op, tx.Commit())
}

func (s *SQLiteStore) EndConversation(ctx context.Context, conversationID string, timedOut bool) error {
	const op = "sqlite study store: end conversation"
	if err := s.check(); err != nil {
		return opErr(op, err)
	}
	if strings.TrimSpace(conversationID) == "" {
		return opErr(op, errors.New("conversation id is empty"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return opErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		startMs int64
		endMs   sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, `SELECT start_ms, end_ms FROM conversations WHERE id = ?`, conversationID).Scan(&startMs, &endMs)
	if errors.Is(err, sql.ErrNoRows) {
		return opErr(op, ErrNotFound)
	}
	if err != nil {
		return opErr(op, err)
	}
	if endMs.Valid {
		return opErr(op, ErrConversationClosed)
	}

	now := s.clock.now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET
			end_ms = ?,
			duration_ms = ?,
			completed_normally = ?,
			timed_out = ?,
			updated_at_ms = ?
		WHERE id = ?
	`, now, now-startMs, boolToInt(!timedOut), boolToInt(timedOut), now, conversationID); err != nil {
		return opErr(op, err)
	}
	return opErr(op, tx.Commit())
}

func (s *SQLiteStore) GetParticipant(ctx context.Context, participantID string) (Participant, bool, error) {
	const op = "sqlite study store: get participant"
	if err := s.check(); err != nil {
		return Participant{}, false, opErr(op, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		p           Participant
		firstSeenMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, participant_id, first_seen_ms, total_conversations
		FROM participants WHERE participant_id = ?
	`, strings.TrimSpace(participantID)).Scan(&p.ID, &p.ParticipantID, &firstSeenMs, &p.TotalConversations)
	if errors.Is(err, sql.ErrNoRows) {
		return Participant{}, false, nil
	}
	if err != nil {
		return Participant{}, false, opErr(op, err)
	}
	p.FirstSeen = time.UnixMilli(firstSeenMs).UTC()
	return p, true, nil
}

const conversationColumns = `id, participant_id, scenario_id, category, client_metadata, start_ms, end_ms,
	duration_ms, interaction_count, completed_normally, timed_out, user_agent`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		c                   Conversation
		meta                string
		startMs             int64
		endMs, durationMs   sql.NullInt64
		completed, timedOut int64
	)
	if err := row.Scan(&c.ID, &c.ParticipantID, &c.ScenarioID, &c.Category, &meta, &startMs, &endMs,
		&durationMs, &c.InteractionCount, &completed, &timedOut, &c.UserAgent); err != nil {
		return Conversation{}, err
	}
	c.StartTime = time.UnixMilli(startMs).UTC()
	if endMs.Valid {
		t := time.UnixMilli(endMs.Int64).UTC()
		c.EndTime = &t
	}
	if durationMs.Valid {
		d := durationMs.Int64
		c.DurationMs = &d
	}
	c.CompletedNormally = completed == 1
	c.TimedOut = timedOut == 1
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &c.ClientMetadata); err != nil {
			return Conversation{}, errors.Wrap(err, "decode client metadata")
		}
	}
	return c, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (Conversation, bool, error) {
	const op = "sqlite study store: get conversation"
	if err := s.check(); err != nil {
		return Conversation{}, false, opErr(op, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, conversationID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, opErr(op, err)
	}
	return c, true, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, participantID string) ([]Conversation, error) {
	const op = "sqlite study store: list conversations"
	if err := s.check(); err != nil {
		return nil, opErr(op, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations WHERE participant_id = ?
		ORDER BY start_ms ASC, id ASC
	`, participantID)
	if err != nil {
		return nil, opErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, opErr(op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, opErr(op, err)
	}
	return out, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	const op = "sqlite study store: list messages"
	if err := s.check(); err != nil {
		return nil, opErr(op, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, timestamp_ms, sequence_number
		FROM messages WHERE conversation_id = ?
		ORDER BY sequence_number ASC, timestamp_ms ASC
	`, conversationID)
	if err != nil {
		return nil, opErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		var (
			m    Message
			role string
			ts   int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &ts, &m.SequenceNumber); err != nil {
			return nil, opErr(op, err)
		}
		m.Role = Role(role)
		m.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, opErr(op, err)
	}
	return out, nil
}

func (s *SQLiteStore) GetIdentity(ctx context.Context, clientKey string) (string, bool, error) {
	const op = "sqlite study store: get identity"
	if err := s.check(); err != nil {
		return "", false, opErr(op, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT participant_id FROM browser_identities WHERE client_key = ?`, clientKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, opErr(op, err)
	}
	return id, true, nil
}

func (s *SQLiteStore) PutIdentity(ctx context.Context, clientKey, participantID string) error {
	const op = "sqlite study store: put identity"
	if err := s.check(); err != nil {
		return opErr(op, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO browser_identities (client_key, participant_id, updated_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(client_key) DO UPDATE SET
			participant_id = excluded.participant_id,
			updated_at_ms = excluded.updated_at_ms
	`, clientKey, participantID, s.clock.now().UnixMilli())
	return opErr(op, err)
}

func (s *SQLiteStore) check() error {
	if s == nil || s.db == nil {
		return errors.New("db is nil")
	}
	return nil
}

func validateMessage(conversationID string, msg Message) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("conversation id is empty")
	}
	if strings.TrimSpace(msg.ID) == "" {
		return errors.New("message id is empty")
	}
	if !msg.Role.Valid() {
		return errors.Errorf("invalid message role %q", msg.Role)
	}
	if msg.SequenceNumber < 1 {
		return errors.Errorf("invalid sequence number %d", msg.SequenceNumber)
	}
	return nil
}

func marshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "encode client metadata")
	}
	return string(b), nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
