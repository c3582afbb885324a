// Package store reads chat entities from Postgres. The live engine only ever
// reads here; all writes happen in the CRUD layer outside this process' scope.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when the requested message does not exist (it may
// have been deleted between the notification and the fetch).
var ErrNotFound = errors.New("store: message not found")

// Message is a chat message joined with its author's display name.
type Message struct {
	ID         uuid.UUID
	Content    string
	Updated    time.Time
	Author     uuid.UUID
	AuthorName string
}

// Messages fetches messages from the persistent store. Safe for concurrent
// use by many fan-out workers.
type Messages struct {
	pool *pgxpool.Pool
}

func NewMessages(pool *pgxpool.Pool) *Messages {
	return &Messages{pool: pool}
}

func (s *Messages) Message(ctx context.Context, id uuid.UUID) (*Message, error) {
	const q = `SELECT m.id, m.content, m.updated, m.author, u.name
		FROM messages AS m
		JOIN chat_users AS u ON u.id = m.author
		WHERE m.id = $1
		LIMIT 1`

	var msg Message
	err := s.pool.QueryRow(ctx, q, id).Scan(&msg.ID, &msg.Content, &msg.Updated, &msg.Author, &msg.AuthorName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch message %s: %w", id, err)
	}
	return &msg, nil
}
