package store

import (
	"context"
	"errors"
	"fmt"
)

// GetPreferences returns the stored preferences or the defaults when none exist.
func (s *PostgresStore) GetPreferences(ctx context.Context, userID string) (Preferences, error) {
	prefs := Preferences{UserID: userID}
	var extra []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT theme, locale, notify_level, extra, updated_at FROM user_preferences WHERE user_id = $1
	`, userID).Scan(&prefs.Theme, &prefs.Locale, &prefs.NotifyLevel, &extra, &prefs.UpdatedAt)
	if err != nil {
		if errors.Is(notFound(err), ErrNotFound) {
			return DefaultPreferences(userID), nil
		}
		return Preferences{}, fmt.Errorf("get preferences: %w", err)
	}
	prefs.Extra = extra
	return prefs, nil
}

func (s *PostgresStore) UpsertPreferences(ctx context.Context, prefs Preferences) (Preferences, error) {
	extra := []byte(prefs.Extra)
	if len(extra) == 0 {
		extra = []byte(`{}`)
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO user_preferences (user_id, theme, locale, notify_level, extra, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET theme = EXCLUDED.theme, locale = EXCLUDED.locale, notify_level = EXCLUDED.notify_level,
			extra = EXCLUDED.extra, updated_at = NOW()
		RETURNING updated_at
	`, prefs.UserID, prefs.Theme, prefs.Locale, prefs.NotifyLevel, string(extra)).Scan(&prefs.UpdatedAt)
	if err != nil {
		return Preferences{}, fmt.Errorf("upsert preferences: %w", err)
	}
	prefs.Extra = extra
	return prefs, nil
}
