// Package apitest runs an in-process fake of the WaniKani JSON API for tests.
package apitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/and161185/wanikani-keeper/internal/model"
)

// Call is a recorded request.
type Call struct {
	Method string
	Path   string
	Query  url.Values
	Token  string
}

// Server is a fake API rooted at URL()+"/v2".
type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	users    map[string]model.User
	subjects []model.Subject
	summary  model.Summary
	perPage  int
	calls    []Call

	intercept func(r *http.Request) int
}

// NewServer starts a fake API that is closed with the test.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{users: map[string]model.User{}, perPage: 1000}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

// BaseURL is the API root to hand to api.NewClient.
func (s *Server) BaseURL() string { return s.srv.URL + "/v2" }

// AddUser makes token resolve to a user with the given name.
func (s *Server) AddUser(token, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[token] = model.User{
		ID:        model.UserID("u-" + username),
		Username:  username,
		Level:     3,
		StartedAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Intercept lets fn answer a request with a status code before the normal
// handler runs; returning 0 lets it through.
func (s *Server) Intercept(fn func(r *http.Request) int) {
	s.mu.Lock()
	s.intercept = fn
	s.mu.Unlock()
}

// PutUser makes token resolve to u.
func (s *Server) PutUser(token string, u model.User) {
	s.mu.Lock()
	s.users[token] = u
	s.mu.Unlock()
}

// SetSubjects replaces the subject collection.
func (s *Server) SetSubjects(subjects ...model.Subject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects = append([]model.Subject(nil), subjects...)
	sort.Slice(s.subjects, func(i, j int) bool { return s.subjects[i].ID < s.subjects[j].ID })
}

// SetSummary replaces the summary report.
func (s *Server) SetSummary(sum model.Summary) {
	s.mu.Lock()
	s.summary = sum
	s.mu.Unlock()
}

// SetPerPage sets the default collection page size.
func (s *Server) SetPerPage(n int) {
	s.mu.Lock()
	s.perPage = n
	s.mu.Unlock()
}

// Calls returns the requests seen so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo counts requests whose path ends with suffix.
func (s *Server) CallsTo(suffix string) int {
	n := 0
	for _, c := range s.Calls() {
		if strings.HasSuffix(c.Path, suffix) {
			n++
		}
	}
	return n
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Token: token})
	intercept := s.intercept
	s.mu.Unlock()

	if intercept != nil {
		if code := intercept(r); code != 0 {
			writeError(w, code)
			return
		}
	}

	s.mu.Lock()
	user, ok := s.users[token]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized)
		return
	}

	switch {
	case r.URL.Path == "/v2/user":
		writeJSON(w, map[string]any{"object": "user", "url": s.srv.URL + "/v2/user", "data": user})
	case r.URL.Path == "/v2/summary":
		s.mu.Lock()
		sum := s.summary
		s.mu.Unlock()
		writeJSON(w, map[string]any{"object": "report", "data": sum})
	case r.URL.Path == "/v2/subjects":
		s.subjectPage(w, r)
	case strings.HasPrefix(r.URL.Path, "/v2/subjects/"):
		id, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/v2/subjects/"))
		if err != nil {
			writeError(w, http.StatusNotFound)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, sub := range s.subjects {
			if sub.ID == id {
				writeJSON(w, sub)
				return
			}
		}
		writeError(w, http.StatusNotFound)
	default:
		writeError(w, http.StatusNotFound)
	}
}

func (s *Server) subjectPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	perPage := s.perPage
	all := append([]model.Subject(nil), s.subjects...)
	s.mu.Unlock()

	if v, err := strconv.Atoi(q.Get("per_page")); err == nil && v > 0 {
		perPage = v
	}
	var after time.Time
	if v := q.Get("updated_after"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity)
			return
		}
		after = t
	}
	afterID, _ := strconv.Atoi(q.Get("page_after_id"))

	var matched []model.Subject
	for _, sub := range all {
		if !after.IsZero() && !sub.DataUpdatedAt.After(after) {
			continue
		}
		matched = append(matched, sub)
	}
	var page []model.Subject
	for _, sub := range matched {
		if sub.ID > afterID {
			page = append(page, sub)
		}
	}
	var next any
	if len(page) > perPage {
		page = page[:perPage]
		nq := url.Values{}
		for k, vs := range q {
			nq[k] = vs
		}
		nq.Set("page_after_id", strconv.Itoa(page[len(page)-1].ID))
		next = s.srv.URL + r.URL.Path + "?" + nq.Encode()
	}
	if page == nil {
		page = []model.Subject{}
	}
	writeJSON(w, map[string]any{
		"object":      "collection",
		"url":         s.srv.URL + r.URL.String(),
		"pages":       map[string]any{"per_page": perPage, "next_url": next, "previous_url": nil},
		"total_count": len(matched),
		"data":        page,
	})
}

// Radical builds a minimal radical subject.
func Radical(id int, updated time.Time) model.Subject {
	return model.Subject{
		ID:            id,
		Kind:          model.KindRadical,
		Object:        string(model.KindRadical),
		URL:           fmt.Sprintf("https://api.wanikani.com/v2/subjects/%d", id),
		DataUpdatedAt: updated,
		Radical: &model.Radical{SubjectCommon: model.SubjectCommon{
			Level:      1,
			Slug:       fmt.Sprintf("radical-%d", id),
			Characters: "一",
			Meanings:   []model.Meaning{{Meaning: fmt.Sprintf("Radical %d", id), Primary: true, AcceptedAnswer: true}},
		}},
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": http.StatusText(code), "code": code})
}
