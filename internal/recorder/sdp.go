package recorder

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/engine"
)

// TrackDescription is one RTP stream the encoder should expect.
type TrackDescription struct {
	Kind        engine.Kind
	Port        int
	PayloadType uint8
	MimeType    string
	ClockRate   uint32
	Channels    uint16
}

// BuildDescriptor renders the SDP handed to the encoder process. All streams
// arrive on loopback; one media section per track.
func BuildDescriptor(tracks []TrackDescription) (string, error) {
	if len(tracks) == 0 {
		return "", fmt.Errorf("descriptor needs at least one track")
	}

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName: "Recording",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "127.0.0.1"},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
	}

	for _, t := range tracks {
		encoding, err := encodingName(t.MimeType)
		if err != nil {
			return "", err
		}
		rtpmap := fmt.Sprintf("%d %s/%d", t.PayloadType, encoding, t.ClockRate)
		if t.Kind == engine.KindAudio && t.Channels > 0 {
			rtpmap = fmt.Sprintf("%s/%d", rtpmap, t.Channels)
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   string(t.Kind),
				Port:    sdp.RangedPort{Value: t.Port},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{strconv.Itoa(int(t.PayloadType))},
			},
			Attributes: []sdp.Attribute{sdp.NewAttribute("rtpmap", rtpmap)},
		})
	}

	raw, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal descriptor: %w", err)
	}
	return string(raw), nil
}

// WriteDescriptor writes the descriptor to path.
func WriteDescriptor(path string, tracks []TrackDescription) error {
	body, err := BuildDescriptor(tracks)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(body), 0o644)
}

func encodingName(mimeType string) (string, error) {
	parts := strings.SplitN(mimeType, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", fmt.Errorf("bad mime type %q", mimeType)
	}
	return parts[1], nil
}
