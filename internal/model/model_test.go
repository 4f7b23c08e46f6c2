package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/and161185/wanikani-keeper/internal/errs"
	"github.com/stretchr/testify/require"
)

const radicalJSON = `{
  "id": 1,
  "object": "radical",
  "url": "https://api.wanikani.com/v2/subjects/1",
  "data_updated_at": "2021-12-27T18:21:59.471494Z",
  "data": {
    "created_at": "2012-02-27T18:08:16.000000Z",
    "level": 1,
    "slug": "ground",
    "hidden_at": null,
    "document_url": "https://www.wanikani.com/radicals/ground",
    "characters": null,
    "character_images": [
      {"url": "https://files.wanikani.com/a", "metadata": {"inline_styles": false}, "content_type": "image/svg+xml"},
      {"url": "https://files.wanikani.com/b", "metadata": {"color": "#000000", "dimensions": "1024x1024", "style_name": "original"}, "content_type": "image/png"}
    ],
    "meanings": [{"meaning": "Ground", "primary": true, "accepted_answer": true}],
    "auxiliary_meanings": [],
    "amalgamation_subject_ids": [440, 449],
    "meaning_mnemonic": "This radical consists of a single, horizontal stroke.",
    "lesson_position": 0,
    "spaced_repetition_system_id": 2
  }
}`

const kanjiJSON = `{
  "id": 440, "object": "kanji", "url": "u", "data_updated_at": "2022-01-01T00:00:00Z",
  "data": {
    "level": 1, "slug": "一", "characters": "一",
    "meanings": [{"meaning": "One", "primary": true, "accepted_answer": true}],
    "readings": [
      {"type": "onyomi", "primary": true, "reading": "いち", "accepted_answer": true},
      {"type": "kunyomi", "primary": false, "reading": "ひと", "accepted_answer": false}
    ],
    "component_subject_ids": [1],
    "reading_mnemonic": "r"
  }
}`

const kanaVocabJSON = `{
  "id": 9210, "object": "kana_vocabulary", "url": "u", "data_updated_at": "2023-01-01T00:00:00Z",
  "data": {
    "level": 3, "slug": "おしゃべり", "characters": "おしゃべり",
    "meanings": [{"meaning": "Chatty", "primary": true, "accepted_answer": true}],
    "parts_of_speech": ["noun"],
    "context_sentences": [{"en": "She is chatty.", "ja": "彼女はおしゃべりです。"}],
    "pronunciation_audios": [{"url": "https://files.wanikani.com/x", "content_type": "audio/mpeg",
      "metadata": {"gender": "female", "source_id": 1, "pronunciation": "おしゃべり", "voice_actor_id": 1, "voice_actor_name": "Kyoko", "voice_description": "Tokyo accent"}}]
  }
}`

func TestSubject_DecodeRadicalWithImages(t *testing.T) {
	t.Parallel()
	var s Subject
	require.NoError(t, json.Unmarshal([]byte(radicalJSON), &s))

	require.Equal(t, 1, s.ID)
	require.Equal(t, KindRadical, s.Kind)
	require.NotNil(t, s.Radical)
	require.Nil(t, s.Kanji)
	require.Empty(t, s.Common().Characters)
	require.Equal(t, "Ground", s.Common().PrimaryMeaning())
	require.Len(t, s.Radical.CharacterImages, 2)
	require.True(t, s.Radical.CharacterImages[0].IsVector())

	w, h, ok := s.Radical.CharacterImages[1].Size()
	require.True(t, ok)
	require.Equal(t, 1024, w)
	require.Equal(t, 1024, h)
	_, _, ok = s.Radical.CharacterImages[0].Size()
	require.False(t, ok)
}

func TestSubject_DecodeKanjiReadings(t *testing.T) {
	t.Parallel()
	var s Subject
	require.NoError(t, json.Unmarshal([]byte(kanjiJSON), &s))

	require.Equal(t, KindKanji, s.Kind)
	require.Equal(t, 1, s.Level())
	require.Len(t, s.Readings(), 2)
	require.Equal(t, ReadingOnyomi, s.Readings()[0].Type)
	require.Equal(t, ReadingKunyomi, s.Readings()[1].Type)
}

func TestSubject_KanaVocabularyIsVocabulary(t *testing.T) {
	t.Parallel()
	var s Subject
	require.NoError(t, json.Unmarshal([]byte(kanaVocabJSON), &s))

	require.Equal(t, KindVocabulary, s.Kind)
	require.Equal(t, "kana_vocabulary", s.Object)
	require.Len(t, s.Vocabulary.PronunciationAudios, 1)
	require.Equal(t, "Kyoko", s.Vocabulary.PronunciationAudios[0].Metadata.VoiceActorName)
	require.Equal(t, "彼女はおしゃべりです。", s.Vocabulary.ContextSentences[0].Ja)
}

func TestSubject_UnknownObjectFails(t *testing.T) {
	t.Parallel()
	var s Subject
	err := json.Unmarshal([]byte(`{"id": 5, "object": "study_material", "data": {}}`), &s)
	require.Error(t, err)

	err = json.Unmarshal([]byte(`{"id": 5, "object": "kanji"}`), &s)
	require.Error(t, err)
}

func TestSubject_EnvelopeRoundTrip(t *testing.T) {
	t.Parallel()
	for _, src := range []string{radicalJSON, kanjiJSON, kanaVocabJSON} {
		var a Subject
		require.NoError(t, json.Unmarshal([]byte(src), &a))
		b, err := json.Marshal(a)
		require.NoError(t, err)
		var back Subject
		require.NoError(t, json.Unmarshal(b, &back))
		require.Equal(t, a, back)
	}
}

func TestUserID_AcceptsNumberAndString(t *testing.T) {
	t.Parallel()
	var u User
	require.NoError(t, json.Unmarshal([]byte(`{"id": 1, "username": "metc", "level": 32}`), &u))
	require.Equal(t, UserID("1"), u.ID)
	require.Equal(t, "metc", u.Username)
	require.Equal(t, 32, u.Level)

	require.NoError(t, json.Unmarshal([]byte(`{"id": "5f281d83-1537-41c0-9573-64451b8e2b32"}`), &u))
	require.Equal(t, UserID("5f281d83-1537-41c0-9573-64451b8e2b32"), u.ID)

	require.Error(t, json.Unmarshal([]byte(`{"id": 1.5}`), &u))
}

func TestCredential_Validate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		c    Credential
		ok   bool
	}{
		{"token", TokenCredential("abc123"), true},
		{"password", PasswordCredential("metc", "pw"), true},
		{"empty token", TokenCredential(""), false},
		{"password without account", PasswordCredential("", "pw"), false},
		{"unknown kind", Credential{Kind: "cookie", Secret: "x"}, false},
		{"not utf8", TokenCredential(string([]byte{0xff, 0xfe})), false},
	}
	for _, tc := range cases {
		err := tc.c.Validate()
		if tc.ok {
			require.NoError(t, err, tc.name)
			continue
		}
		require.True(t, errors.Is(err, errs.ErrUnexpectedCredentialData), tc.name)
	}
}

func TestSummary_Available(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := Summary{
		Lessons: []SummaryBucket{{AvailableAt: now.Add(-time.Hour), SubjectIDs: []int{1, 2}}},
		Reviews: []SummaryBucket{
			{AvailableAt: now, SubjectIDs: []int{3}},
			{AvailableAt: now.Add(time.Hour), SubjectIDs: []int{4}},
		},
	}
	require.Equal(t, []int{1, 2}, s.AvailableLessons(now))
	require.Equal(t, []int{3}, s.AvailableReviews(now))
}
