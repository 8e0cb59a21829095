// Package thread orders and groups highlight comments.
package thread

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/npezzotti/go-bookclub/internal/types"
)

const MaxCommentLength = 2000

// Sort orders comments by creation time, oldest first. Comments created at the
// same instant are ordered by id so every reader sees the same sequence.
func Sort(comments []types.Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		a, b := comments[i], comments[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Id < b.Id
	})
}

// Group returns the comments for each highlight, each thread sorted.
func Group(comments []types.Comment) map[string][]types.Comment {
	threads := make(map[string][]types.Comment)
	for _, c := range comments {
		threads[c.HighlightId] = append(threads[c.HighlightId], c)
	}
	for _, t := range threads {
		Sort(t)
	}
	return threads
}

// For returns the sorted thread of a single highlight.
func For(comments []types.Comment, highlightId string) []types.Comment {
	out := make([]types.Comment, 0)
	for _, c := range comments {
		if c.HighlightId == highlightId {
			out = append(out, c)
		}
	}
	Sort(out)
	return out
}

// NormalizeText trims comment text and enforces the length limit.
func NormalizeText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", types.NewValidationError("comment", "text is required")
	}
	if utf8.RuneCountInString(text) > MaxCommentLength {
		return "", types.NewValidationError("comment", "text is too long")
	}
	return text, nil
}
