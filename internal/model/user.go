package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// UserID is the server-side user identifier. WaniKani sends a UUID string;
// numeric ids are accepted too.
type UserID string

// UnmarshalJSON accepts both JSON strings and numbers.
func (id *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return err
	}
	*id = UserID(n.String())
	return nil
}

// LessonsPresentationOrder orders subjects in a lesson session.
type LessonsPresentationOrder string

const (
	LessonsAscendingLevelThenSubject  LessonsPresentationOrder = "ascending_level_then_subject"
	LessonsShuffled                   LessonsPresentationOrder = "shuffled"
	LessonsAscendingLevelThenShuffled LessonsPresentationOrder = "ascending_level_then_shuffled"
)

// ReviewsPresentationOrder orders subjects in a review session.
type ReviewsPresentationOrder string

const (
	ReviewsShuffled         ReviewsPresentationOrder = "shuffled"
	ReviewsLowerLevelsFirst ReviewsPresentationOrder = "lower_levels_first"
)

// Subscription is the account's paid tier.
type Subscription struct {
	Active          bool       `json:"active"`
	Type            string     `json:"type"`
	MaxLevelGranted int        `json:"max_level_granted"`
	PeriodEndsAt    *time.Time `json:"period_ends_at"`
}

// Preferences are the user's study settings.
type Preferences struct {
	DefaultVoiceActorID        int                      `json:"default_voice_actor_id"`
	ExtraStudyAutoplayAudio    bool                     `json:"extra_study_autoplay_audio"`
	LessonsAutoplayAudio       bool                     `json:"lessons_autoplay_audio"`
	LessonsBatchSize           int                      `json:"lessons_batch_size"`
	LessonsPresentationOrder   LessonsPresentationOrder `json:"lessons_presentation_order"`
	ReviewsAutoplayAudio       bool                     `json:"reviews_autoplay_audio"`
	ReviewsDisplaySRSIndicator bool                     `json:"reviews_display_srs_indicator"`
	ReviewsPresentationOrder   ReviewsPresentationOrder `json:"reviews_presentation_order"`
}

// User is the profile reported by the /user endpoint.
type User struct {
	ID                       UserID       `json:"id"`
	Username                 string       `json:"username"`
	Level                    int          `json:"level"`
	ProfileURL               string       `json:"profile_url"`
	StartedAt                time.Time    `json:"started_at"`
	CurrentVacationStartedAt *time.Time   `json:"current_vacation_started_at"`
	Subscription             Subscription `json:"subscription"`
	Preferences              Preferences  `json:"preferences"`
}

// PreferencesUpdate lists the preferences to change; nil fields are left as is.
type PreferencesUpdate struct {
	DefaultVoiceActorID        *int                      `json:"default_voice_actor_id,omitempty"`
	ExtraStudyAutoplayAudio    *bool                     `json:"extra_study_autoplay_audio,omitempty"`
	LessonsAutoplayAudio       *bool                     `json:"lessons_autoplay_audio,omitempty"`
	LessonsBatchSize           *int                      `json:"lessons_batch_size,omitempty"`
	LessonsPresentationOrder   *LessonsPresentationOrder `json:"lessons_presentation_order,omitempty"`
	ReviewsAutoplayAudio       *bool                     `json:"reviews_autoplay_audio,omitempty"`
	ReviewsDisplaySRSIndicator *bool                     `json:"reviews_display_srs_indicator,omitempty"`
	ReviewsPresentationOrder   *ReviewsPresentationOrder `json:"reviews_presentation_order,omitempty"`
}

// UserUpdate is the body of PUT /user.
type UserUpdate struct {
	Preferences PreferencesUpdate `json:"preferences"`
}
