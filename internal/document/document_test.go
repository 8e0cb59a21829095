package document

import (
	"math"
	"strings"
	"testing"

	"github.com/npezzotti/go-bookclub/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBook() types.Book {
	return types.Book{
		Id:     "test",
		Title:  "Test",
		Author: "Tester",
		Chapters: []types.Chapter{
			{Id: "1", Title: "Down the Rabbit-Hole", Content: "Alice sat by the river. Alice was bored."},
			{Id: "2", Title: "Café", Content: "naïve résumé"},
		},
	}
}

func TestNew(t *testing.T) {
	d := New(testBook())

	expected := "Down the Rabbit-Hole\n\nAlice sat by the river. Alice was bored.\n\nCafé\n\nnaïve résumé"
	assert.Equal(t, expected, d.Text())
	assert.Equal(t, len([]rune(expected)), d.Len())
}

func TestResolve(t *testing.T) {
	d := New(testBook())

	tcases := []struct {
		name          string
		sel           Selection
		expectedText  string
		expectedStart int
		err           bool
	}{
		{
			name: "chapter title",
			sel: Selection{
				Start: Position{Chapter: 0, Part: PartTitle, Offset: 0},
				End:   Position{Chapter: 0, Part: PartTitle, Offset: 20},
				Text:  "Down the Rabbit-Hole",
			},
			expectedText:  "Down the Rabbit-Hole",
			expectedStart: 0,
		},
		{
			name: "second occurrence of repeated text",
			sel: Selection{
				Start: Position{Chapter: 0, Part: PartContent, Offset: 24},
				End:   Position{Chapter: 0, Part: PartContent, Offset: 29},
				Text:  "Alice",
			},
			expectedText:  "Alice",
			expectedStart: 22 + 24,
		},
		{
			name: "trims surrounding whitespace",
			sel: Selection{
				Start: Position{Chapter: 0, Part: PartContent, Offset: 23},
				End:   Position{Chapter: 0, Part: PartContent, Offset: 29},
				Text:  " Alice",
			},
			expectedText:  "Alice",
			expectedStart: 22 + 24,
		},
		{
			name: "spans from title into content",
			sel: Selection{
				Start: Position{Chapter: 0, Part: PartTitle, Offset: 9},
				End:   Position{Chapter: 0, Part: PartContent, Offset: 5},
			},
			expectedText:  "Rabbit-Hole\n\nAlice",
			expectedStart: 9,
		},
		{
			name: "counts code points",
			sel: Selection{
				Start: Position{Chapter: 1, Part: PartContent, Offset: 6},
				End:   Position{Chapter: 1, Part: PartContent, Offset: 12},
				Text:  "résumé",
			},
			expectedText:  "résumé",
			expectedStart: len([]rune("Down the Rabbit-Hole\n\nAlice sat by the river. Alice was bored.\n\nCafé\n\nnaïve ")),
		},
		{
			name: "text mismatch",
			sel: Selection{
				Start: Position{Chapter: 0, Part: PartContent, Offset: 0},
				End:   Position{Chapter: 0, Part: PartContent, Offset: 5},
				Text:  "Bored",
			},
			err: true,
		},
		{
			name: "end before start",
			sel: Selection{
				Start: Position{Chapter: 0, Part: PartContent, Offset: 5},
				End:   Position{Chapter: 0, Part: PartContent, Offset: 5},
			},
			err: true,
		},
		{
			name: "unknown chapter",
			sel: Selection{
				Start: Position{Chapter: 7, Part: PartContent, Offset: 0},
				End:   Position{Chapter: 7, Part: PartContent, Offset: 1},
			},
			err: true,
		},
		{
			name: "offset past node",
			sel: Selection{
				Start: Position{Chapter: 1, Part: PartTitle, Offset: 0},
				End:   Position{Chapter: 1, Part: PartTitle, Offset: 5},
			},
			err: true,
		},
		{
			name: "whitespace only",
			sel: Selection{
				Start: Position{Chapter: 0, Part: PartContent, Offset: 5},
				End:   Position{Chapter: 0, Part: PartContent, Offset: 6},
			},
			err: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			span, err := d.Resolve(tc.sel)
			if tc.err {
				assert.ErrorIs(t, err, types.ErrValidation)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expectedText, span.Text)
			assert.Equal(t, tc.expectedStart, span.Start)

			sliced, err := d.slice(span.Start, span.End)
			require.NoError(t, err)
			assert.Equal(t, span.Text, sliced, "span text must equal the document slice")
		})
	}
}

func TestResolveMatchesSlice(t *testing.T) {
	d := New(testBook())
	text := []rune(d.Text())

	for start := 0; start < len(text); start++ {
		for end := start + 1; end <= len(text) && end <= start+15; end++ {
			p1, ok1 := d.locate(start)
			p2, ok2 := d.locate(end)
			if !ok1 || !ok2 {
				continue
			}
			span, err := d.Resolve(Selection{Start: p1, End: p2})
			if err != nil {
				continue
			}
			assert.Equal(t, strings.TrimSpace(string(text[start:end])), span.Text)
			assert.Equal(t, string(text[span.Start:span.End]), span.Text)
		}
	}
}

func TestSlice(t *testing.T) {
	d := New(testBook())

	_, err := d.slice(-1, 3)
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = d.slice(0, d.Len()+1)
	assert.ErrorIs(t, err, types.ErrValidation)

	s, err := d.slice(0, 4)
	require.NoError(t, err)
	assert.Equal(t, "Down", s)
}

func TestColorFor(t *testing.T) {
	tcases := []struct {
		n        int
		expected string
	}{
		{0, Palette[0]},
		{5, Palette[5]},
		{6, Palette[0]},
		{13, Palette[1]},
		{-1, Palette[5]},
		{math.MinInt, Palette[4]},
	}

	for _, tc := range tcases {
		assert.Equal(t, tc.expected, ColorFor(Palette, tc.n), "n=%d", tc.n)
	}
}
