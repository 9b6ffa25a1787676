package game

import (
	"fmt"
	"strings"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/protocol"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/types"
)

// Question is one sanitized OX question.
type Question struct {
	ID     string           `json:"id"`
	Text   string           `json:"text"`
	Answer types.ChoiceType `json:"answer"`
}

const (
	maxQuestionID   = 24
	maxQuestionText = 180
	maxQuestions    = 50
)

// answerAliases maps the broad alias set clients send to a zone answer.
// Extend this table for new client vocabularies; never the state machine.
var answerAliases = map[string]types.ChoiceType{
	"O":     types.ChoiceO,
	"TRUE":  types.ChoiceO,
	"YES":   types.ChoiceO,
	"1":     types.ChoiceO,
	"LEFT":  types.ChoiceO,
	"X":     types.ChoiceX,
	"FALSE": types.ChoiceX,
	"NO":    types.ChoiceX,
	"0":     types.ChoiceX,
	"RIGHT": types.ChoiceX,
}

// NormalizeAnswer resolves an answer alias, or ChoiceNone when unresolvable.
func NormalizeAnswer(raw string) types.ChoiceType {
	if choice, ok := answerAliases[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return choice
	}
	return types.ChoiceNone
}

// SanitizeQuestions converts a loose client question list into the strict
// bank: bounded fields, resolvable answers only, at most maxQuestions.
// Questions with no resolvable answer are dropped.
func SanitizeQuestions(raw []protocol.QuestionConfig) []Question {
	questions := make([]Question, 0, len(raw))
	for i, q := range raw {
		if len(questions) == maxQuestions {
			break
		}
		answer := NormalizeAnswer(q.Answer)
		if answer == types.ChoiceNone {
			continue
		}
		id := strings.TrimSpace(q.ID)
		if len(id) > maxQuestionID {
			id = id[:maxQuestionID]
		}
		if id == "" {
			id = fmt.Sprintf("q%d", i+1)
		}
		text := strings.TrimSpace(q.Text)
		if len(text) > maxQuestionText {
			text = text[:maxQuestionText]
		}
		if text == "" {
			text = fmt.Sprintf("Question %d", len(questions)+1)
		}
		questions = append(questions, Question{ID: id, Text: text, Answer: answer})
	}
	return questions
}

// fallbackQuestionBank keeps the quiz playable when no bank is configured.
func fallbackQuestionBank() []Question {
	return []Question{
		{ID: "fb1", Text: "The O zone is on the left side of the arena.", Answer: types.ChoiceO},
		{ID: "fb2", Text: "A round ends the moment the lock timer fires.", Answer: types.ChoiceO},
		{ID: "fb3", Text: "Standing on the divider counts as an answer.", Answer: types.ChoiceX},
		{ID: "fb4", Text: "Spectators can win the round.", Answer: types.ChoiceX},
		{ID: "fb5", Text: "Your zone at lock time is your answer.", Answer: types.ChoiceO},
		{ID: "fb6", Text: "Wrong answers keep you in the game.", Answer: types.ChoiceX},
		{ID: "fb7", Text: "The host decides when the next question opens.", Answer: types.ChoiceO},
		{ID: "fb8", Text: "Leaving the lane is a valid answer.", Answer: types.ChoiceX},
		{ID: "fb9", Text: "Scores carry across questions in one game.", Answer: types.ChoiceO},
		{ID: "fb10", Text: "The last survivor loses.", Answer: types.ChoiceX},
	}
}
