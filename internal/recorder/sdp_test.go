package recorder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/engine"
)

func TestBuildDescriptorVideoOnly(t *testing.T) {
	body, err := BuildDescriptor([]TrackDescription{
		{Kind: engine.KindVideo, Port: 50010, PayloadType: 96, MimeType: "video/VP8", ClockRate: 90000},
	})
	require.NoError(t, err)

	assert.Contains(t, body, "c=IN IP4 127.0.0.1")
	assert.Contains(t, body, "m=video 50010 RTP/AVP 96")
	assert.Contains(t, body, "a=rtpmap:96 VP8/90000")
	assert.NotContains(t, body, "m=audio")
}

func TestBuildDescriptorCombined(t *testing.T) {
	body, err := BuildDescriptor([]TrackDescription{
		{Kind: engine.KindVideo, Port: 50010, PayloadType: 96, MimeType: "video/VP8", ClockRate: 90000},
		{Kind: engine.KindAudio, Port: 50011, PayloadType: 111, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	})
	require.NoError(t, err)

	assert.Contains(t, body, "m=video 50010 RTP/AVP 96")
	assert.Contains(t, body, "m=audio 50011 RTP/AVP 111")
	assert.Contains(t, body, "a=rtpmap:111 opus/48000/2")
}

func TestBuildDescriptorRejectsEmptyAndBadMime(t *testing.T) {
	_, err := BuildDescriptor(nil)
	assert.Error(t, err)

	_, err = BuildDescriptor([]TrackDescription{
		{Kind: engine.KindVideo, Port: 50010, PayloadType: 96, MimeType: "nonsense", ClockRate: 90000},
	})
	assert.Error(t, err)
}

func TestWriteDescriptor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.sdp")
	err := WriteDescriptor(path, []TrackDescription{
		{Kind: engine.KindVideo, Port: 50020, PayloadType: 98, MimeType: "video/VP9", ClockRate: 90000},
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "a=rtpmap:98 VP9/90000")
}
