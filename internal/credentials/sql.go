package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/dkn-bridge/internal/cloud"
	"github.com/nerrad567/dkn-bridge/internal/infrastructure/database"
)

// SQLStore keeps tokens in the credentials table.
type SQLStore struct {
	db       *database.DB
	platform string
}

// NewSQLStore returns a store for platform's row. The credentials
// migration must have been applied.
func NewSQLStore(db *database.DB, platform string) *SQLStore {
	if platform == "" {
		platform = DefaultPlatform
	}
	return &SQLStore{db: db, platform: platform}
}

// Load implements Store.
func (s *SQLStore) Load(ctx context.Context) (cloud.Tokens, error) {
	var t cloud.Tokens
	err := s.db.QueryRowContext(ctx,
		"SELECT access_token, refresh_token FROM credentials WHERE platform = ?",
		s.platform,
	).Scan(&t.Token, &t.RefreshToken)
	if errors.Is(err, sql.ErrNoRows) {
		return cloud.Tokens{}, ErrNotFound
	}
	if err != nil {
		return cloud.Tokens{}, fmt.Errorf("loading credentials: %w", err)
	}
	return t, nil
}

// Save implements Store.
func (s *SQLStore) Save(ctx context.Context, tokens cloud.Tokens) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (platform, access_token, refresh_token, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(platform) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			updated_at = excluded.updated_at`,
		s.platform, tokens.Token, tokens.RefreshToken, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	return nil
}
