package storage

import (
	"database/sql"
	"log"
	"os"

	"github.com/openline-dev/forumchat/internal/server/models"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sql.DB
}

func New() *Store {
	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		connStr = "postgres://localhost/forumchat?sslmode=disable"
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	if err = db.Ping(); err != nil {
		log.Fatal("Failed to ping database:", err)
	}

	log.Println("Connected to database")
	return &Store{db: db}
}

func (s *Store) Close() {
	s.db.Close()
}

// Migrate creates the schema when it does not exist yet.
func (s *Store) Migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			nickname TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			profile_pic TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id SERIAL PRIMARY KEY,
			sender_id INTEGER NOT NULL REFERENCES users(id),
			recipient_id INTEGER NOT NULL REFERENCES users(id),
			content TEXT NOT NULL,
			read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair
			ON messages (sender_id, recipient_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id SERIAL PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id),
			type TEXT NOT NULL,
			actor_id INTEGER NOT NULL REFERENCES users(id),
			post_id TEXT NOT NULL DEFAULT '',
			read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id),
			expires_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// User Methods

func (s *Store) CreateUser(nickname, passwordHash, profilePic string) (int, error) {
	var userID int
	err := s.db.QueryRow(
		"INSERT INTO users (nickname, password_hash, profile_pic) VALUES ($1, $2, $3) RETURNING id",
		nickname, passwordHash, profilePic,
	).Scan(&userID)
	return userID, err
}

func (s *Store) GetUserByNickname(nickname string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(
		"SELECT id, nickname, password_hash, profile_pic, created_at FROM users WHERE nickname = $1",
		nickname,
	).Scan(&u.ID, &u.Nickname, &u.PasswordHash, &u.ProfilePic, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUserByID(id int) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(
		"SELECT id, nickname, profile_pic, created_at FROM users WHERE id = $1",
		id,
	).Scan(&u.ID, &u.Nickname, &u.ProfilePic, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListUsers() ([]models.User, error) {
	rows, err := s.db.Query(
		"SELECT id, nickname, profile_pic, created_at FROM users ORDER BY nickname",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Nickname, &u.ProfilePic, &u.CreatedAt); err != nil {
			log.Printf("Error scanning user: %v", err)
			continue
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Message Methods

func (s *Store) SaveMessage(senderID, recipientID int, content string) (*models.Message, error) {
	var msg models.Message
	err := s.db.QueryRow(`
		INSERT INTO messages (sender_id, recipient_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, sender_id, recipient_id, content, read, created_at
	`, senderID, recipientID, content).Scan(
		&msg.ID, &msg.SenderID, &msg.RecipientID, &msg.Content, &msg.Read, &msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// MessagesBetween returns one page of the conversation between two users.
// Page 1 is the most recent page; within a page messages come back oldest
// first so the client can append them directly.
func (s *Store) MessagesBetween(a, b, page, limit int) ([]models.Message, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	rows, err := s.db.Query(`
		SELECT id, sender_id, recipient_id, content, read, created_at
		FROM messages
		WHERE (sender_id = $1 AND recipient_id = $2)
		   OR (sender_id = $2 AND recipient_id = $1)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, a, b, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &m.Read, &m.CreatedAt); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}

	// Reverse to get oldest first
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, rows.Err()
}

// MarkMessagesRead marks everything senderID sent to readerID as read.
func (s *Store) MarkMessagesRead(readerID, senderID int) error {
	_, err := s.db.Exec(`
		UPDATE messages SET read = TRUE
		WHERE recipient_id = $1 AND sender_id = $2 AND read = FALSE
	`, readerID, senderID)
	return err
}

// Notification Methods

func (s *Store) CreateNotification(userID int, kind string, actorID int, postID string) (*models.Notification, error) {
	var n models.Notification
	err := s.db.QueryRow(`
		INSERT INTO notifications (user_id, type, actor_id, post_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, user_id, type, actor_id, post_id, read, created_at
	`, userID, kind, actorID, postID).Scan(
		&n.ID, &n.UserID, &n.Kind, &n.ActorID, &n.PostID, &n.Read, &n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	actor, err := s.GetUserByID(actorID)
	if err == nil {
		n.ActorName = actor.Nickname
		n.ActorPic = actor.ProfilePic
	}
	return &n, nil
}

// Notifications returns the user's notifications, newest first.
func (s *Store) Notifications(userID int) ([]models.Notification, error) {
	rows, err := s.db.Query(`
		SELECT n.id, n.user_id, n.type, n.actor_id, u.nickname, u.profile_pic,
		       n.post_id, n.read, n.created_at
		FROM notifications n
		LEFT JOIN users u ON n.actor_id = u.id
		WHERE n.user_id = $1
		ORDER BY n.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var name, pic sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.ActorID, &name, &pic, &n.PostID, &n.Read, &n.CreatedAt); err != nil {
			log.Printf("Error scanning notification: %v", err)
			continue
		}
		n.ActorName = name.String
		n.ActorPic = pic.String
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) UnreadNotificationCount(userID int) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read = FALSE",
		userID,
	).Scan(&count)
	return count, err
}

func (s *Store) MarkNotificationRead(userID, notificationID int) error {
	_, err := s.db.Exec(
		"UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2",
		notificationID, userID,
	)
	return err
}

func (s *Store) MarkAllNotificationsRead(userID int) error {
	_, err := s.db.Exec(
		"UPDATE notifications SET read = TRUE WHERE user_id = $1",
		userID,
	)
	return err
}

// Session Methods

func (s *Store) CreateSession(sess models.Session) error {
	_, err := s.db.Exec(
		"INSERT INTO sessions (token, user_id, expires_at) VALUES ($1, $2, $3)",
		sess.Token, sess.UserID, sess.ExpiresAt,
	)
	return err
}

// SessionUser resolves a token to its user, failing on unknown or expired
// tokens.
func (s *Store) SessionUser(token string) (*models.User, error) {
	var userID int
	err := s.db.QueryRow(
		"SELECT user_id FROM sessions WHERE token = $1 AND expires_at > NOW()",
		token,
	).Scan(&userID)
	if err != nil {
		return nil, err
	}
	return s.GetUserByID(userID)
}

func (s *Store) DeleteSession(token string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE token = $1", token)
	return err
}
