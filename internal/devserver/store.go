package devserver

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/binhbb2204/chatsync/pkg/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

var ErrUserNotFound = errors.New("user not found")

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) FindUser(ctx context.Context, username string) (models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (models.User, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`, username, passwordHash, now)
	if err != nil {
		return models.User{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.User{}, err
	}
	return models.User{ID: id, Username: username, PasswordHash: passwordHash, CreatedAt: now}, nil
}

// SaveMessage stores msg and returns it with its assigned id and time. A
// resend carrying a client token already stored for the same room and user
// returns the stored row instead of a new one.
func (s *Store) SaveMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	msg.CreatedAt = time.Now().UTC()
	var kind, path sql.NullString
	if msg.Attachment != nil {
		kind = sql.NullString{String: string(msg.Attachment.Kind), Valid: true}
		path = sql.NullString{String: msg.Attachment.Path, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (room_id, user_id, sender, text, attachment_kind, attachment_path, client_token, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.RoomID, msg.UserID, msg.SenderHandle, msg.Text, kind, path, msg.ClientToken, msg.CreatedAt)
	if err != nil {
		return models.Message{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Message{}, err
	}
	if n == 0 && msg.ClientToken != "" {
		return s.findByToken(ctx, msg.RoomID, msg.UserID, msg.ClientToken)
	}
	if msg.ID, err = res.LastInsertId(); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func (s *Store) findByToken(ctx context.Context, roomID, userID int64, token string) (models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, user_id, sender, text, attachment_kind, attachment_path, client_token, created_at
		 FROM messages WHERE room_id = ? AND user_id = ? AND client_token = ?`, roomID, userID, token)
	return scanMessage(row)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (models.Message, error) {
	var m models.Message
	var text, kind, path, token sql.NullString
	if err := row.Scan(&m.ID, &m.RoomID, &m.UserID, &m.SenderHandle, &text, &kind, &path, &token, &m.CreatedAt); err != nil {
		return models.Message{}, err
	}
	m.Text = text.String
	m.ClientToken = token.String
	if kind.Valid {
		m.Attachment = &models.Attachment{Kind: models.AttachmentKind(kind.String), Path: path.String}
	}
	return m, nil
}

// History returns the newest limit messages of a room with id below
// before (any id when before is 0), oldest first.
func (s *Store) History(ctx context.Context, roomID int64, limit int, before int64) ([]models.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	query := `SELECT id, room_id, user_id, sender, text, attachment_kind, attachment_path, client_token, created_at
              FROM messages WHERE room_id = ?`
	args := []interface{}{roomID}
	if before > 0 {
		query += ` AND id < ?`
		args = append(args, before)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
