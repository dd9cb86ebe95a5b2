package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"My Video (Live!).mp3", "My_Video_Live_.mp3"},
		{"  spaces   here .m4a", "spaces_here_.m4a"},
		{"../../etc/passwd", "passwd"},
		{"ünïcödé.wav", "n_c_d_.wav"},
		{"___", "audio"},
		{".hidden.opus", "hidden.opus"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}

	t.Run("caps length and keeps extension", func(t *testing.T) {
		got := SanitizeFilename(strings.Repeat("a", 300) + ".mp3")
		assert.LessOrEqual(t, len(got), 100)
		assert.True(t, strings.HasSuffix(got, ".mp3"))
	})
}

func TestObjectPath(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	assert.Equal(t, "audio/20240309_140507_abc_song.mp3", ObjectPath("/audio/", "song.mp3", now, "abc"))
	assert.Equal(t, "20240309_140507_song.mp3", ObjectPath("", "song.mp3", now, ""))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "audio/mpeg", ContentType("a.MP3"))
	assert.Equal(t, "audio/mp4", ContentType("a.m4a"))
	assert.Equal(t, "audio/wav", ContentType("a.wav"))
	assert.Equal(t, "audio/opus", ContentType("a.opus"))
	assert.Equal(t, "application/octet-stream", ContentType("a.bin"))
}
