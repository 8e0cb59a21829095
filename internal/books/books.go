package books

import (
	"embed"
	"fmt"
	"strings"

	"github.com/npezzotti/go-bookclub/internal/types"
)

const (
	CustomBookId     = "custom"
	customChapterId  = "custom-1"
	defaultTitle     = "Custom Book"
	defaultAuthor    = "You"
	MaxCustomContent = 2 << 20
)

//go:embed texts/*.txt
var texts embed.FS

type chapterSpec struct {
	title string
	file  string
}

type bookSpec struct {
	id       string
	title    string
	author   string
	chapters []chapterSpec
}

var catalogSpecs = []bookSpec{
	{
		id:     "alice-in-wonderland",
		title:  "Alice's Adventures in Wonderland",
		author: "Lewis Carroll",
		chapters: []chapterSpec{
			{title: "Down the Rabbit-Hole", file: "alice-in-wonderland-1.txt"},
			{title: "The Pool of Tears", file: "alice-in-wonderland-2.txt"},
			{title: "A Caucus-Race and a Long Tale", file: "alice-in-wonderland-3.txt"},
		},
	},
	{
		id:     "pride-and-prejudice",
		title:  "Pride and Prejudice",
		author: "Jane Austen",
		chapters: []chapterSpec{
			{title: "Chapter 1", file: "pride-and-prejudice-1.txt"},
		},
	},
	{
		id:     "frankenstein",
		title:  "Frankenstein",
		author: "Mary Shelley",
		chapters: []chapterSpec{
			{title: "Letter 1", file: "frankenstein-1.txt"},
		},
	},
}

// Catalog is the fixed set of public-domain books rooms can be created from.
type Catalog struct {
	books []types.Book
	index map[string]int
}

func NewCatalog() (*Catalog, error) {
	c := &Catalog{index: make(map[string]int)}
	for _, spec := range catalogSpecs {
		book := types.Book{
			Id:     spec.id,
			Title:  spec.title,
			Author: spec.author,
		}
		for i, ch := range spec.chapters {
			raw, err := texts.ReadFile("texts/" + ch.file)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", ch.file, err)
			}
			book.Chapters = append(book.Chapters, types.Chapter{
				Id:      fmt.Sprint(i + 1),
				Title:   ch.title,
				Content: strings.TrimSpace(string(raw)),
			})
		}

		c.index[book.Id] = len(c.books)
		c.books = append(c.books, book)
	}
	return c, nil
}

func (c *Catalog) Get(id string) (types.Book, error) {
	i, ok := c.index[id]
	if !ok {
		return types.Book{}, fmt.Errorf("book %q: %w", id, types.ErrNotFound)
	}
	return c.books[i], nil
}

func (c *Catalog) List() []types.BookSummary {
	out := make([]types.BookSummary, 0, len(c.books))
	for _, b := range c.books {
		out = append(out, types.BookSummary{
			Id:           b.Id,
			Title:        b.Title,
			Author:       b.Author,
			ChapterCount: len(b.Chapters),
		})
	}
	return out
}

// Custom builds a single-chapter book from user supplied text. The content is
// taken as-is; only emptiness and size are checked.
func Custom(title, author, content string) (types.Book, error) {
	if strings.TrimSpace(content) == "" {
		return types.Book{}, types.NewValidationError("book", "custom content is empty")
	}
	if len(content) > MaxCustomContent {
		return types.Book{}, types.NewValidationError("book", "custom content is too large")
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultTitle
	}
	author = strings.TrimSpace(author)
	if author == "" {
		author = defaultAuthor
	}

	return types.Book{
		Id:     CustomBookId,
		Title:  title,
		Author: author,
		Chapters: []types.Chapter{
			{Id: customChapterId, Title: title, Content: content},
		},
	}, nil
}
