// Package render provides terminal rendering utilities.
package render

import (
	"fmt"

	"github.com/charmbracelet/glamour"
)

// Markdown renders markdown content for terminal display.
// If plain is true, returns the content unchanged.
// Otherwise, uses glamour to render with auto-detected style and word wrap.
func Markdown(content string, plain bool) (string, error) {
	if plain {
		return content, nil
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return "", fmt.Errorf("create renderer: %w", err)
	}

	result, err := renderer.Render(content)
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}

	return result, nil
}
