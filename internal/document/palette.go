package document

// Palette is the ordered set of highlight colors. Authors receive colors in the
// order they first highlight in a room, wrapping after the last one.
var Palette = []string{
	"#FFB8D1",
	"#C9B4E7",
	"#A8D8EA",
	"#F0C794",
	"#E89B73",
	"#FFE785",
}

// ColorFor returns the entry of palette for the n-th distinct author
// (0-based), wrapping after the last one. palette must not be empty.
func ColorFor(palette []string, n int) string {
	i := n % len(palette)
	if i < 0 {
		i += len(palette)
	}
	return palette[i]
}
