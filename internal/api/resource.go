package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/wanikani-keeper/internal/model"
)

// Shape tells how the response body maps onto the resource content.
type Shape int

const (
	// ShapeEnvelope decodes the whole body (single subject resources).
	ShapeEnvelope Shape = iota
	// ShapeData decodes the "data" member (user, summary).
	ShapeData
	// ShapeCollection decodes the "data" array and the "pages" cursor.
	ShapeCollection
)

// Resource describes one endpoint and the type its response decodes into.
type Resource[T any] struct {
	Name   string
	Method string
	Path   string
	Query  url.Values
	Body   any // JSON-encoded when non-nil
	Shape  Shape
}

// Me is the authenticated user ("whoami").
func Me() Resource[model.User] {
	return Resource[model.User]{Name: "user", Method: http.MethodGet, Path: "user", Shape: ShapeData}
}

// UpdateUser changes the user's preferences and returns the updated profile.
func UpdateUser(u model.UserUpdate) Resource[model.User] {
	return Resource[model.User]{
		Name:   "user.update",
		Method: http.MethodPut,
		Path:   "user",
		Body: struct {
			User model.UserUpdate `json:"user"`
		}{User: u},
		Shape: ShapeData,
	}
}

// Summary is the lessons/reviews report.
func Summary() Resource[model.Summary] {
	return Resource[model.Summary]{Name: "summary", Method: http.MethodGet, Path: "summary", Shape: ShapeData}
}

// SubjectFilter narrows the subjects collection. Zero values are not sent.
type SubjectFilter struct {
	IDs          []int
	Types        []string // radical, kanji, vocabulary, kana_vocabulary
	Slugs        []string
	Levels       []int
	Hidden       *bool
	UpdatedAfter *time.Time
}

func (f SubjectFilter) values() url.Values {
	q := url.Values{}
	setInts(q, "ids", f.IDs)
	setStrings(q, "types", f.Types)
	setStrings(q, "slugs", f.Slugs)
	setInts(q, "levels", f.Levels)
	setBool(q, "hidden", f.Hidden)
	setTime(q, "updated_after", f.UpdatedAfter)
	return q
}

// Subjects is the paginated subjects collection.
func Subjects(f SubjectFilter) Resource[[]model.Subject] {
	return Resource[[]model.Subject]{
		Name:   "subjects",
		Method: http.MethodGet,
		Path:   "subjects",
		Query:  f.values(),
		Shape:  ShapeCollection,
	}
}

// Subject is a single subject by id.
func Subject(id int) Resource[model.Subject] {
	return Resource[model.Subject]{
		Name:   "subject",
		Method: http.MethodGet,
		Path:   "subjects/" + strconv.Itoa(id),
		Shape:  ShapeEnvelope,
	}
}

// AssignmentFilter narrows the assignments collection.
type AssignmentFilter struct {
	SubjectIDs                     []int
	SubjectTypes                   []string
	Levels                         []int
	SRSStages                      []int
	AvailableAfter                 *time.Time
	AvailableBefore                *time.Time
	UpdatedAfter                   *time.Time
	ImmediatelyAvailableForLessons bool
	ImmediatelyAvailableForReview  bool
	Started                        *bool
	Hidden                         *bool
}

func (f AssignmentFilter) values() url.Values {
	q := url.Values{}
	setInts(q, "subject_ids", f.SubjectIDs)
	setStrings(q, "subject_types", f.SubjectTypes)
	setInts(q, "levels", f.Levels)
	setInts(q, "srs_stages", f.SRSStages)
	setTime(q, "available_after", f.AvailableAfter)
	setTime(q, "available_before", f.AvailableBefore)
	setTime(q, "updated_after", f.UpdatedAfter)
	if f.ImmediatelyAvailableForLessons {
		q.Set("immediately_available_for_lessons", "true")
	}
	if f.ImmediatelyAvailableForReview {
		q.Set("immediately_available_for_review", "true")
	}
	setBool(q, "started", f.Started)
	setBool(q, "hidden", f.Hidden)
	return q
}

// Assignments is the paginated assignments collection.
func Assignments(f AssignmentFilter) Resource[[]model.Assignment] {
	return Resource[[]model.Assignment]{
		Name:   "assignments",
		Method: http.MethodGet,
		Path:   "assignments",
		Query:  f.values(),
		Shape:  ShapeCollection,
	}
}

func setInts(q url.Values, key string, vs []int) {
	if len(vs) == 0 {
		return
	}
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(v)
	}
	q.Set(key, strings.Join(parts, ","))
}

func setStrings(q url.Values, key string, vs []string) {
	if len(vs) > 0 {
		q.Set(key, strings.Join(vs, ","))
	}
}

func setBool(q url.Values, key string, v *bool) {
	if v != nil {
		q.Set(key, strconv.FormatBool(*v))
	}
}

func setTime(q url.Values, key string, v *time.Time) {
	if v != nil {
		q.Set(key, v.UTC().Format(time.RFC3339Nano))
	}
}
