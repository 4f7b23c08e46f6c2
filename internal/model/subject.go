package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SubjectKind discriminates the Subject union.
type SubjectKind string

const (
	KindRadical    SubjectKind = "radical"
	KindKanji      SubjectKind = "kanji"
	KindVocabulary SubjectKind = "vocabulary"
)

// kana_vocabulary subjects carry the vocabulary shape without kanji components.
const objectKanaVocabulary = "kana_vocabulary"

// Meaning is one accepted or displayed meaning of a subject.
type Meaning struct {
	Meaning        string `json:"meaning"`
	Primary        bool   `json:"primary"`
	AcceptedAnswer bool   `json:"accepted_answer"`
}

// AuxiliaryMeaning is a whitelisted or blacklisted alternative answer.
type AuxiliaryMeaning struct {
	Meaning string `json:"meaning"`
	Type    string `json:"type"`
}

// ReadingType is set on kanji readings only.
type ReadingType string

const (
	ReadingOnyomi  ReadingType = "onyomi"
	ReadingKunyomi ReadingType = "kunyomi"
	ReadingNanori  ReadingType = "nanori"
)

// Reading is a kana reading of a kanji or vocabulary subject.
type Reading struct {
	Reading        string      `json:"reading"`
	Primary        bool        `json:"primary"`
	AcceptedAnswer bool        `json:"accepted_answer"`
	Type           ReadingType `json:"type,omitempty"`
}

// SubjectCommon holds the attributes every subject kind has.
type SubjectCommon struct {
	Level                    int                `json:"level"`
	Slug                     string             `json:"slug"`
	CreatedAt                time.Time          `json:"created_at"`
	HiddenAt                 *time.Time         `json:"hidden_at"`
	DocumentURL              string             `json:"document_url"`
	Characters               string             `json:"characters"`
	Meanings                 []Meaning          `json:"meanings"`
	AuxiliaryMeanings        []AuxiliaryMeaning `json:"auxiliary_meanings"`
	MeaningMnemonic          string             `json:"meaning_mnemonic"`
	LessonPosition           int                `json:"lesson_position"`
	SpacedRepetitionSystemID int                `json:"spaced_repetition_system_id"`
}

// PrimaryMeaning returns the first primary meaning, or the first meaning.
func (c SubjectCommon) PrimaryMeaning() string {
	for _, m := range c.Meanings {
		if m.Primary {
			return m.Meaning
		}
	}
	if len(c.Meanings) > 0 {
		return c.Meanings[0].Meaning
	}
	return ""
}

// ImageMetadata is the union of SVG and PNG image metadata.
type ImageMetadata struct {
	InlineStyles *bool  `json:"inline_styles,omitempty"`
	Color        string `json:"color,omitempty"`
	Dimensions   string `json:"dimensions,omitempty"`
	StyleName    string `json:"style_name,omitempty"`
}

// CharacterImage is a rendering of a radical without a Unicode character.
type CharacterImage struct {
	URL         string        `json:"url"`
	ContentType string        `json:"content_type"`
	Metadata    ImageMetadata `json:"metadata"`
}

// IsVector reports whether the image is an SVG.
func (i CharacterImage) IsVector() bool { return i.ContentType == "image/svg+xml" }

// Size parses the raster dimensions ("1024x1024").
func (i CharacterImage) Size() (w, h int, ok bool) {
	ws, hs, found := strings.Cut(i.Metadata.Dimensions, "x")
	if !found {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(ws)
	h, err2 := strconv.Atoi(hs)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return w, h, true
}

// Radical is a building block of kanji.
type Radical struct {
	SubjectCommon
	CharacterImages        []CharacterImage `json:"character_images"`
	AmalgamationSubjectIDs []int            `json:"amalgamation_subject_ids"`
}

// Kanji is a single character subject.
type Kanji struct {
	SubjectCommon
	Readings                  []Reading `json:"readings"`
	ComponentSubjectIDs       []int     `json:"component_subject_ids"`
	AmalgamationSubjectIDs    []int     `json:"amalgamation_subject_ids"`
	VisuallySimilarSubjectIDs []int     `json:"visually_similar_subject_ids"`
	ReadingMnemonic           string    `json:"reading_mnemonic"`
	MeaningHint               string    `json:"meaning_hint"`
	ReadingHint               string    `json:"reading_hint"`
}

// ContextSentence is an example sentence for a vocabulary word.
type ContextSentence struct {
	En string `json:"en"`
	Ja string `json:"ja"`
}

// AudioMetadata describes the voice of a pronunciation recording.
type AudioMetadata struct {
	Gender           string `json:"gender"`
	SourceID         int    `json:"source_id"`
	Pronunciation    string `json:"pronunciation"`
	VoiceActorID     int    `json:"voice_actor_id"`
	VoiceActorName   string `json:"voice_actor_name"`
	VoiceDescription string `json:"voice_description"`
}

// PronunciationAudio is one recording of a vocabulary reading.
type PronunciationAudio struct {
	URL         string        `json:"url"`
	ContentType string        `json:"content_type"`
	Metadata    AudioMetadata `json:"metadata"`
}

// Vocabulary is a word subject.
type Vocabulary struct {
	SubjectCommon
	Readings            []Reading            `json:"readings"`
	PartsOfSpeech       []string             `json:"parts_of_speech"`
	ContextSentences    []ContextSentence    `json:"context_sentences"`
	PronunciationAudios []PronunciationAudio `json:"pronunciation_audios"`
	ComponentSubjectIDs []int                `json:"component_subject_ids"`
	ReadingMnemonic     string               `json:"reading_mnemonic"`
	MeaningHint         string               `json:"meaning_hint"`
	ReadingHint         string               `json:"reading_hint"`
}

// Subject is a radical, kanji or vocabulary item. Exactly one of Radical,
// Kanji, Vocabulary is set, matching Kind. Subjects are never mutated after decoding.
type Subject struct {
	ID            int
	Kind          SubjectKind
	Object        string
	URL           string
	DataUpdatedAt time.Time

	Radical    *Radical
	Kanji      *Kanji
	Vocabulary *Vocabulary
}

type subjectEnvelope struct {
	ID            int             `json:"id"`
	Object        string          `json:"object"`
	URL           string          `json:"url"`
	DataUpdatedAt time.Time       `json:"data_updated_at"`
	Data          json.RawMessage `json:"data"`
}

// UnmarshalJSON decodes the WaniKani resource envelope of a subject.
func (s *Subject) UnmarshalJSON(b []byte) error {
	var env subjectEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return errors.New("subject: missing data")
	}

	out := Subject{ID: env.ID, Object: env.Object, URL: env.URL, DataUpdatedAt: env.DataUpdatedAt}
	switch env.Object {
	case string(KindRadical):
		out.Kind = KindRadical
		out.Radical = &Radical{}
		if err := json.Unmarshal(env.Data, out.Radical); err != nil {
			return fmt.Errorf("subject %d: %w", env.ID, err)
		}
	case string(KindKanji):
		out.Kind = KindKanji
		out.Kanji = &Kanji{}
		if err := json.Unmarshal(env.Data, out.Kanji); err != nil {
			return fmt.Errorf("subject %d: %w", env.ID, err)
		}
	case string(KindVocabulary), objectKanaVocabulary:
		out.Kind = KindVocabulary
		out.Vocabulary = &Vocabulary{}
		if err := json.Unmarshal(env.Data, out.Vocabulary); err != nil {
			return fmt.Errorf("subject %d: %w", env.ID, err)
		}
	default:
		return fmt.Errorf("subject %d: unknown object %q", env.ID, env.Object)
	}
	*s = out
	return nil
}

// MarshalJSON encodes the subject back into its resource envelope.
func (s Subject) MarshalJSON() ([]byte, error) {
	var data any
	switch s.Kind {
	case KindRadical:
		data = s.Radical
	case KindKanji:
		data = s.Kanji
	case KindVocabulary:
		data = s.Vocabulary
	default:
		return nil, fmt.Errorf("subject %d: unknown kind %q", s.ID, s.Kind)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	obj := s.Object
	if obj == "" {
		obj = string(s.Kind)
	}
	return json.Marshal(subjectEnvelope{
		ID:            s.ID,
		Object:        obj,
		URL:           s.URL,
		DataUpdatedAt: s.DataUpdatedAt,
		Data:          raw,
	})
}

// Common returns the attributes shared by every kind.
func (s Subject) Common() SubjectCommon {
	switch {
	case s.Radical != nil:
		return s.Radical.SubjectCommon
	case s.Kanji != nil:
		return s.Kanji.SubjectCommon
	case s.Vocabulary != nil:
		return s.Vocabulary.SubjectCommon
	}
	return SubjectCommon{}
}

// Level is a shortcut for Common().Level.
func (s Subject) Level() int { return s.Common().Level }

// Readings returns kanji/vocabulary readings; radicals have none.
func (s Subject) Readings() []Reading {
	switch {
	case s.Kanji != nil:
		return s.Kanji.Readings
	case s.Vocabulary != nil:
		return s.Vocabulary.Readings
	}
	return nil
}
