package filesystem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFileNameReplacesForbiddenChars(t *testing.T) {
	got := SanitizeFileName(`bad:name?.txt`, "fallback")
	assert.Equal(t, "bad_name_.txt", got)
}

func TestSanitizeFileNameEmptyFallsBack(t *testing.T) {
	assert.Equal(t, "download_1", SanitizeFileName("", "download_1"))
	assert.Equal(t, "download_1", SanitizeFileName("...", "download_1"))
}

func TestCategory(t *testing.T) {
	assert.Equal(t, "Videos", Category("movie.mp4"))
	assert.Equal(t, "Others", Category("noext"))
}
