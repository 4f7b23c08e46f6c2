package model

import "time"

// SummaryBucket groups subjects that become available at the same hour.
type SummaryBucket struct {
	AvailableAt time.Time `json:"available_at"`
	SubjectIDs  []int     `json:"subject_ids"`
}

// Summary is the lessons/reviews report used by the dashboard.
type Summary struct {
	Lessons       []SummaryBucket `json:"lessons"`
	NextReviewsAt *time.Time      `json:"next_reviews_at"`
	Reviews       []SummaryBucket `json:"reviews"`
}

// AvailableLessons returns the subject ids of lessons available at now.
func (s Summary) AvailableLessons(now time.Time) []int { return availableAt(s.Lessons, now) }

// AvailableReviews returns the subject ids of reviews available at now.
func (s Summary) AvailableReviews(now time.Time) []int { return availableAt(s.Reviews, now) }

func availableAt(buckets []SummaryBucket, now time.Time) []int {
	var ids []int
	for _, b := range buckets {
		if !b.AvailableAt.After(now) {
			ids = append(ids, b.SubjectIDs...)
		}
	}
	return ids
}

// AssignmentData is the SRS progress of one subject for the user.
type AssignmentData struct {
	SubjectID     int         `json:"subject_id"`
	SubjectType   SubjectKind `json:"subject_type"`
	SRSStage      int         `json:"srs_stage"`
	UnlockedAt    *time.Time  `json:"unlocked_at"`
	StartedAt     *time.Time  `json:"started_at"`
	PassedAt      *time.Time  `json:"passed_at"`
	BurnedAt      *time.Time  `json:"burned_at"`
	AvailableAt   *time.Time  `json:"available_at"`
	ResurrectedAt *time.Time  `json:"resurrected_at"`
	Hidden        bool        `json:"hidden"`
}

// Assignment is the resource envelope of AssignmentData.
type Assignment struct {
	ID            int            `json:"id"`
	Object        string         `json:"object"`
	URL           string         `json:"url"`
	DataUpdatedAt time.Time      `json:"data_updated_at"`
	Data          AssignmentData `json:"data"`
}
