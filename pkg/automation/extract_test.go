package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igoutreach/pkg/models"
)

const dialogHTML = `
<div role="dialog">
  <ul>
    <li><a href="/alice/"><img alt="alice"></a><a href="/alice/">alice</a></li>
    <li><a href="/bob.smith/">bob.smith</a></li>
    <li><a href="/explore/">Explore</a></li>
    <li><a href="/p/Cx1/">post</a></li>
    <li><a href="/x/">x</a></li>
    <li><a href="https://www.instagram.com/carol_1/">carol_1</a></li>
    <li><a href="https://help.example.com/">help</a></li>
  </ul>
</div>`

func TestExtractHandles(t *testing.T) {
	handles, err := ExtractHandles(dialogHTML)
	require.NoError(t, err)
	assert.Equal(t, []models.Handle{"alice", "bob.smith", "carol_1"}, handles)
}

func TestExtractHandlesEmpty(t *testing.T) {
	handles, err := ExtractHandles("")
	require.NoError(t, err)
	assert.Empty(t, handles)
}

func TestExtractAuthor(t *testing.T) {
	html := `<article><header><a href="/stories/">s</a><a href="/the_author/">the_author</a></header>
	<ul><li><a href="/commenter/">commenter</a></li></ul></article>`
	assert.Equal(t, models.Handle("the_author"), ExtractAuthor(html))
	assert.Equal(t, models.Handle(""), ExtractAuthor("<div>no header</div>"))
}
