// Package prompts renders the grading prompt for a whole exam session from its
// questions and the transcripts of the recorded answers.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/speakexam/internal/model"
)

//go:embed templates/*.txt
var embedded embed.FS

// PromptVariant names a grading strictness.
type PromptVariant string

const (
	PromptStrict   PromptVariant = "strict"
	PromptStandard PromptVariant = "standard"
	PromptLenient  PromptVariant = "lenient"
)

// Variants lists every known variant.
var Variants = []PromptVariant{PromptStrict, PromptStandard, PromptLenient}

// IsValidVariant reports whether v names a known variant.
func IsValidVariant(v string) bool {
	return slices.Contains(Variants, PromptVariant(v))
}

// Placeholders the grader scores as zero.
const (
	NoAnswer       = "[No answer provided]"
	NotTranscribed = "[Recording not transcribed]"
)

// maxAnswerRunes caps one transcript in the prompt.
const maxAnswerRunes = 10000

// Tags a transcript could use to break out of its <student-answer> block.
var promptTags = regexp.MustCompile(`(?i)</?\s*(student-answer|question)\b[^>]*>`)

// QuestionData is one question and its answer in a grading prompt.
type QuestionData struct {
	ID        int64
	Position  int
	Text      string
	MaxPoints int
	Rubric    string
	Answer    string
	// Seconds is the recording length, 0 when unknown.
	Seconds int
}

// GradeData is the template input for a session.
type GradeData struct {
	ExamTitle string
	MaxScore  int
	Questions []QuestionData
}

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[PromptVariant]*template.Template
)

// Load parses the built-in templates.
func Load() error {
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		return err
	}
	return LoadFS(sub)
}

// LoadFS parses grade_<variant>.txt for every variant from fsys. Only the
// first call of Load or LoadFS has any effect.
func LoadFS(fsys fs.FS) error {
	loadOnce.Do(func() {
		parsed := make(map[PromptVariant]*template.Template, len(Variants))
		for _, v := range Variants {
			name := "grade_" + string(v) + ".txt"
			tmpl, err := template.ParseFS(fsys, name)
			if err != nil {
				loadErr = fmt.Errorf("load prompt %s: %w", name, err)
				return
			}
			parsed[v] = tmpl
		}
		templates = parsed
	})
	return loadErr
}

// BuildGradePrompt renders the prompt for view with the given variant.
func BuildGradePrompt(variant PromptVariant, view model.SessionView) (string, error) {
	if loadErr != nil {
		return "", fmt.Errorf("prompts unavailable: %w", loadErr)
	}
	if templates == nil {
		return "", fmt.Errorf("prompts not loaded")
	}
	tmpl, ok := templates[variant]
	if !ok {
		return "", fmt.Errorf("invalid prompt variant %q", variant)
	}

	answers := make(map[int64]model.Answer, len(view.Answers))
	for _, a := range view.Answers {
		answers[a.QuestionID] = a
	}

	data := GradeData{ExamTitle: view.Exam.Title}
	for _, q := range view.Questions {
		a, answered := answers[q.ID]
		qd := QuestionData{
			ID:        q.ID,
			Position:  q.Position,
			Text:      q.Text,
			MaxPoints: q.MaxPoints,
			Rubric:    q.Rubric,
			Answer:    NoAnswer,
		}
		if answered {
			qd.Answer = answerText(a)
			qd.Seconds = a.Duration
		}
		data.MaxScore += q.MaxPoints
		data.Questions = append(data.Questions, qd)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

// answerText is what the grader sees for a:
// the sanitized transcript, or a placeholder when there is nothing to read.
func answerText(a model.Answer) string {
	switch {
	case a.Transcription != nil:
		return sanitizeAnswer(*a.Transcription)
	case a.AudioURL != nil:
		return NotTranscribed
	}
	return NoAnswer
}

func sanitizeAnswer(s string) string {
	s = strings.TrimSpace(promptTags.ReplaceAllString(s, ""))
	if s == "" {
		return NoAnswer
	}
	if utf8.RuneCountInString(s) > maxAnswerRunes {
		s = string([]rune(s)[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}
	return s
}
