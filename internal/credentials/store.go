// Package credentials persists the vendor token pair between runs.
//
// Tokens live in a record identified by a platform name, either inside
// a YAML document (FileStore) or in the SQLite credentials table
// (SQLStore). Both implement cloud.CredentialStore.
package credentials

import (
	"context"
	"errors"

	"github.com/nerrad567/dkn-bridge/internal/cloud"
)

// DefaultPlatform names the record the bridge reads and writes.
const DefaultPlatform = "DknCloudNA"

// ErrNotFound is returned by Load when no record exists for the platform.
var ErrNotFound = errors.New("credentials: no stored record")

// Store loads and saves a platform's token pair.
type Store interface {
	Load(ctx context.Context) (cloud.Tokens, error)
	Save(ctx context.Context, tokens cloud.Tokens) error
}

// Seed returns the stored pair, falling back to fallback when nothing is
// stored or a stored field is empty.
func Seed(ctx context.Context, s Store, fallback cloud.Tokens) (cloud.Tokens, error) {
	if s == nil {
		return fallback, nil
	}
	stored, err := s.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return fallback, err
	}
	if stored.Token == "" {
		stored.Token = fallback.Token
	}
	if stored.RefreshToken == "" {
		stored.RefreshToken = fallback.RefreshToken
	}
	return stored, nil
}
