package media

import (
	"context"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = time.Second / 15
)

// opusSilence is the canonical opus silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Feed pushes synthetic samples into src until ctx is cancelled: opus
// silence at a 20ms cadence and a filler video payload at 15fps. Receivers
// see RTP flowing on both tracks, which makes the mute and camera gates
// observable on the wire. The video payload is not decodable.
func Feed(ctx context.Context, src *StaticSource) {
	audio := time.NewTicker(audioFrameInterval)
	video := time.NewTicker(videoFrameInterval)
	defer audio.Stop()
	defer video.Stop()

	filler := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return
		case <-audio.C:
			_ = src.WriteAudioSample(pionmedia.Sample{Data: opusSilence, Duration: audioFrameInterval})
		case <-video.C:
			_ = src.WriteVideoSample(pionmedia.Sample{Data: filler, Duration: videoFrameInterval})
		}
	}
}
