package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetOption returns the stored value of one plugin option.
func (s *Store) GetOption(ctx context.Context, projectID, plugin, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM plugin_options WHERE project_id = $1 AND plugin = $2 AND key = $3`,
		projectID, plugin, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get option %s/%s/%s: %w", projectID, plugin, key, err)
	}
	return value, true, nil
}

// SetOption inserts or replaces one plugin option.
func (s *Store) SetOption(ctx context.Context, projectID, plugin, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO plugin_options (project_id, plugin, key, value, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (project_id, plugin, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		projectID, plugin, key, value)
	if err != nil {
		return fmt.Errorf("set option %s/%s/%s: %w", projectID, plugin, key, err)
	}
	return nil
}

// DeleteOptions removes every option of plugin for the project.
func (s *Store) DeleteOptions(ctx context.Context, projectID, plugin string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM plugin_options WHERE project_id = $1 AND plugin = $2`,
		projectID, plugin)
	if err != nil {
		return fmt.Errorf("delete options %s/%s: %w", projectID, plugin, err)
	}
	return nil
}
