package engine

import "github.com/pion/webrtc/v4"

// DefaultCodecs is the codec set every room router is created with.
func DefaultCodecs() []RTPCodecCapability {
	return []RTPCodecCapability{
		{
			Kind:      KindAudio,
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		{
			Kind:      KindVideo,
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
			Parameters: map[string]any{
				"x-google-start-bitrate": 1000,
			},
		},
	}
}
