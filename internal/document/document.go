// Package document builds the concatenated text of a book and translates
// structural selections into offsets within it.
//
// Each chapter contributes a section made of its title, a blank line and its
// content. Sections are joined by Separator. Offsets count Unicode code points.
package document

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/npezzotti/go-bookclub/internal/types"
)

const (
	Separator = "\n\n"
	titleGap  = "\n\n"

	MaxSelectionLength = 10000
)

type Part string

const (
	PartTitle   Part = "title"
	PartContent Part = "content"
)

// Position addresses a character boundary inside one rendered text node: the
// title or the content of a chapter.
type Position struct {
	Chapter int  `json:"chapter"`
	Part    Part `json:"part"`
	Offset  int  `json:"offset"`
}

// Selection is the structural range captured by the reader at selection time.
// End is exclusive. Text is what the reader saw selected and is checked against
// the resolved span.
type Selection struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
	Text  string   `json:"text"`
}

type Span struct {
	Start int
	End   int
	Text  string
}

type section struct {
	titleStart   int
	titleLen     int
	contentStart int
	contentLen   int
}

type Document struct {
	text     []rune
	sections []section
}

func New(book types.Book) *Document {
	var (
		b        strings.Builder
		sections = make([]section, 0, len(book.Chapters))
		offset   int
	)

	for i, ch := range book.Chapters {
		if i > 0 {
			b.WriteString(Separator)
			offset += len([]rune(Separator))
		}

		title := []rune(ch.Title)
		content := []rune(ch.Content)
		s := section{titleStart: offset, titleLen: len(title)}
		b.WriteString(ch.Title)
		b.WriteString(titleGap)
		offset += len(title) + len([]rune(titleGap))

		s.contentStart = offset
		s.contentLen = len(content)
		b.WriteString(ch.Content)
		offset += len(content)

		sections = append(sections, s)
	}

	return &Document{text: []rune(b.String()), sections: sections}
}

func (d *Document) Len() int {
	return len(d.text)
}

func (d *Document) Text() string {
	return string(d.text)
}

// slice returns the text in [start, end).
func (d *Document) slice(start, end int) (string, error) {
	if start < 0 || end > len(d.text) || start > end {
		return "", types.NewValidationError("selection", fmt.Sprintf("range [%d, %d) outside document of length %d", start, end, len(d.text)))
	}
	return string(d.text[start:end]), nil
}

// Offset converts a structural position into a document offset.
func (d *Document) Offset(p Position) (int, error) {
	if p.Chapter < 0 || p.Chapter >= len(d.sections) {
		return 0, types.NewValidationError("selection", fmt.Sprintf("chapter %d does not exist", p.Chapter))
	}

	s := d.sections[p.Chapter]
	var base, length int
	switch p.Part {
	case PartTitle:
		base, length = s.titleStart, s.titleLen
	case PartContent, "":
		base, length = s.contentStart, s.contentLen
	default:
		return 0, types.NewValidationError("selection", fmt.Sprintf("unknown part %q", p.Part))
	}

	if p.Offset < 0 || p.Offset > length {
		return 0, types.NewValidationError("selection", fmt.Sprintf("offset %d outside %s of chapter %d", p.Offset, p.Part, p.Chapter))
	}
	return base + p.Offset, nil
}

// Resolve anchors a selection. Surrounding whitespace is trimmed from the span
// and the offsets move with it, so the returned Text always equals
// d.Text()[Start:End].
func (d *Document) Resolve(sel Selection) (Span, error) {
	start, err := d.Offset(sel.Start)
	if err != nil {
		return Span{}, err
	}
	end, err := d.Offset(sel.End)
	if err != nil {
		return Span{}, err
	}
	if end <= start {
		return Span{}, types.NewValidationError("selection", "selection is empty")
	}

	for start < end && unicode.IsSpace(d.text[start]) {
		start++
	}
	for end > start && unicode.IsSpace(d.text[end-1]) {
		end--
	}
	if start == end {
		return Span{}, types.NewValidationError("selection", "selection is blank")
	}
	if end-start > MaxSelectionLength {
		return Span{}, types.NewValidationError("selection", "selection is too long")
	}

	text := string(d.text[start:end])
	if sel.Text != "" && strings.TrimSpace(sel.Text) != text {
		return Span{}, types.NewValidationError("selection", "selected text does not match the document at the given position")
	}

	return Span{Start: start, End: end, Text: text}, nil
}

// locate returns the structural position of a document offset. It is the
// inverse of Offset for offsets inside a title or content node.
func (d *Document) locate(offset int) (Position, bool) {
	for i, s := range d.sections {
		if offset >= s.titleStart && offset <= s.titleStart+s.titleLen {
			return Position{Chapter: i, Part: PartTitle, Offset: offset - s.titleStart}, true
		}
		if offset >= s.contentStart && offset <= s.contentStart+s.contentLen {
			return Position{Chapter: i, Part: PartContent, Offset: offset - s.contentStart}, true
		}
	}
	return Position{}, false
}
