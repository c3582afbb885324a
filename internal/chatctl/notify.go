package chatctl

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// runNotify fires a pg_notify with the same payload shape the database
// triggers produce: two canonical UUIDs back to back, no separator.
func runNotify(ctx context.Context, cfg *Config, kind, messageID, channelID string) error {
	switch kind {
	case "insert", "update", "delete":
	default:
		return fmt.Errorf("kind must be insert, update or delete, got %q", kind)
	}
	mid, err := uuid.Parse(messageID)
	if err != nil {
		return fmt.Errorf("bad message id: %w", err)
	}
	cid, err := uuid.Parse(channelID)
	if err != nil {
		return fmt.Errorf("bad channel id: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("no database URL (set DATABASE_URL or --database-url)")
	}

	conn, err := pgx.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	channel := kind + "_message"
	payload := mid.String() + cid.String()
	_, err = conn.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return err
}
