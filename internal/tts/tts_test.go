package tts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"southeastasia", "southeastasia.tts.speech.microsoft.com"},
		{"https://westus2.tts.speech.microsoft.com/", "westus2.tts.speech.microsoft.com"},
		{"HTTP://EastUS.tts.speech.microsoft.com", "eastus.tts.speech.microsoft.com"},
		{"  japaneast  ", "japaneast.tts.speech.microsoft.com"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeEndpoint(tt.in), tt.in)
	}
}

func TestGuessExtension(t *testing.T) {
	assert.Equal(t, "ogg", GuessExtension("ogg-24khz-16bit-mono-opus"))
	assert.Equal(t, "mp3", GuessExtension("audio-24khz-48kbitrate-mono-mp3"))
	assert.Equal(t, "wav", GuessExtension("riff-24khz-16bit-mono-pcm-wav"))
	assert.Equal(t, "mp3", GuessExtension(""))
}

func TestNormalizePercent(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "0"},
		{"15", "15"},
		{"-10%", "-10"},
		{"1.50", "1.5"},
		{"abc", "0"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePercent(tt.in), tt.in)
	}
}

func TestBuildSSMLEscapesText(t *testing.T) {
	ssml := buildSSML(`a < b & "c"`, "en-US-JennyNeural", "0", "0", "cheerful")
	assert.Contains(t, ssml, "a &lt; b &amp; &#34;c&#34;")
	assert.Contains(t, ssml, `<voice name="en-US-JennyNeural">`)
	assert.Contains(t, ssml, `style="cheerful"`)
	assert.False(t, strings.Contains(ssml, `"c"`))
}
