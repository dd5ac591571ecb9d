package memory

import (
	"context"
	"fmt"
	"strings"
)

// NewStore picks the backend from the database URL: postgres when one is
// given, in-memory otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return NewInMemoryStore(), nil
	}
	s, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}
	return s, nil
}
