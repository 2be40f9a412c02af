package quests

import (
	"strings"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/notes"
)

const (
	// questionMarks holds the question mark of several scripts: latin, greek,
	// semicolon used in its place, arabic, armenian, ethiopic and full width.
	questionMarks        = "?\u037e;\u061f\u055e\u1367\uff1f"
	surveyRequiredMarker = "#surveyme"
)

// NoteFilter decides which notes are offered as quests.
type NoteFilter struct {
	// AppName is matched as "via <AppName>" in the opening comment to
	// recognise notes the contributor created with this application.
	AppName string
}

// ShouldShow reports whether note is a quest for the contributor userID (nil
// when logged out), given the question-only preference and the hidden ids.
func (f NoteFilter) ShouldShow(note notes.Note, userID *int64, onlyQuestions bool, hidden map[int64]struct{}) bool {
	if userID != nil {
		if containsCommentFromUser(note, *userID) || f.probablyCreatedByUserInApp(note, *userID) {
			return false
		}
	}
	if _, isHidden := hidden[note.ID]; isHidden {
		return false
	}
	if onlyQuestions && !probablyContainsQuestion(note) && !containsSurveyRequiredMarker(note) {
		return false
	}
	return true
}

func containsCommentFromUser(note notes.Note, userID int64) bool {
	for _, comment := range note.Comments {
		if comment.Action == notes.CommentActionCommented && comment.IsFromUser(userID) {
			return true
		}
	}
	return false
}

func (f NoteFilter) probablyCreatedByUserInApp(note notes.Note, userID int64) bool {
	first, ok := note.FirstComment()
	if !ok || strings.TrimSpace(f.AppName) == "" {
		return false
	}
	return first.IsFromUser(userID) && strings.Contains(first.Text, "via "+f.AppName)
}

func probablyContainsQuestion(note notes.Note) bool {
	first, ok := note.FirstComment()
	return ok && strings.ContainsAny(first.Text, questionMarks)
}

func containsSurveyRequiredMarker(note notes.Note) bool {
	for _, comment := range note.Comments {
		if strings.Contains(comment.Text, surveyRequiredMarker) {
			return true
		}
	}
	return false
}
