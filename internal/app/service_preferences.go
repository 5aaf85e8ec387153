package app

import (
	"context"
	"encoding/json"
	"strings"

	"golang.org/x/text/language"

	"huddle/api/internal/store"
)

const maxPreferencesExtraBytes = 8 << 10

var (
	validThemes       = map[string]bool{"system": true, "light": true, "dark": true}
	validNotifyLevels = map[string]bool{"all": true, "mentions": true, "none": true}
)

// UpdatePreferencesInput carries a partial update. Nil fields keep their value.
type UpdatePreferencesInput struct {
	Theme       *string          `json:"theme"`
	Locale      *string          `json:"locale"`
	NotifyLevel *string          `json:"notifyLevel"`
	Extra       *json.RawMessage `json:"extra"`
}

func (s *Service) GetPreferences(ctx context.Context, session Session) (preferencesView, error) {
	prefs, err := s.store.GetPreferences(ctx, session.UserID)
	if err != nil {
		return preferencesView{}, err
	}
	return toPreferencesView(prefs), nil
}

func (s *Service) UpdatePreferences(ctx context.Context, session Session, input UpdatePreferencesInput) (preferencesView, error) {
	prefs, err := s.store.GetPreferences(ctx, session.UserID)
	if err != nil {
		return preferencesView{}, err
	}
	if err := applyPreferences(&prefs, input); err != nil {
		return preferencesView{}, err
	}
	prefs.UserID = session.UserID
	saved, err := s.store.UpsertPreferences(ctx, prefs)
	if err != nil {
		return preferencesView{}, err
	}
	return toPreferencesView(saved), nil
}

func applyPreferences(prefs *store.Preferences, input UpdatePreferencesInput) error {
	if input.Theme != nil {
		if !validThemes[*input.Theme] {
			return validationError("theme must be system, light or dark")
		}
		prefs.Theme = *input.Theme
	}
	if input.NotifyLevel != nil {
		if !validNotifyLevels[*input.NotifyLevel] {
			return validationError("notifyLevel must be all, mentions or none")
		}
		prefs.NotifyLevel = *input.NotifyLevel
	}
	if input.Locale != nil {
		tag, err := language.Parse(strings.TrimSpace(*input.Locale))
		if err != nil || tag == language.Und {
			return validationError("locale is not a valid language tag")
		}
		prefs.Locale = tag.String()
	}
	if input.Extra != nil {
		extra := *input.Extra
		if len(extra) > maxPreferencesExtraBytes {
			return validationError("extra is too large")
		}
		var object map[string]any
		if err := json.Unmarshal(extra, &object); err != nil || object == nil {
			return validationError("extra must be a JSON object")
		}
		prefs.Extra = extra
	}
	return nil
}
