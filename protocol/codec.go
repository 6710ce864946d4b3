package protocol

import (
	"sync/atomic"

	"speakingbot/core"
)

// Default stream parameters until the first session configures them.
const (
	DefaultSampleRate = 24000
	DefaultChannels   = 1
)

// Codec converts between raw PCM chunks and the binary envelope exchanged
// with the worker. The default sample rate is mutable: it is set once per
// session, before frames start flowing, from the session's configured
// streaming frequency.
type Codec struct {
	sampleRate atomic.Int64
	channels   int
	logger     *core.Logger
}

// NewCodec creates a codec with the given default stream parameters.
func NewCodec(sampleRate, channels int, logger *core.Logger) *Codec {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = DefaultChannels
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	c := &Codec{
		channels: channels,
		logger:   logger.With(map[string]interface{}{"component": "codec"}),
	}
	c.sampleRate.Store(int64(sampleRate))
	return c
}

// SetSampleRate updates the default output sample rate. Only frames encoded
// after the call pick up the new rate.
func (c *Codec) SetSampleRate(sampleRate int) {
	c.sampleRate.Store(int64(sampleRate))
	c.logger.Infof("codec sample rate set to %d Hz", sampleRate)
}

// SampleRate returns the current default output sample rate.
func (c *Codec) SampleRate() int {
	return int(c.sampleRate.Load())
}

// Channels returns the configured channel count.
func (c *Codec) Channels() int {
	return c.channels
}

// Encode wraps raw audio in an envelope carrying the current default sample
// rate and channel count. Byte-append wire encoding cannot fail.
func (c *Codec) Encode(raw []byte) []byte {
	return AppendAudioEnvelope(nil, raw, c.SampleRate(), c.channels)
}

// Decode extracts the raw audio payload from an envelope. It returns
// (nil, nil) when the envelope carries no audio sub-message, and an error
// wrapping ErrMalformedFrame when the bytes are not a well-formed envelope.
func (c *Codec) Decode(envelope []byte) ([]byte, error) {
	frame, err := ParseAudioEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	if frame == nil {
		return nil, nil
	}
	return frame.Payload, nil
}

// SampleRateForFrequency maps a streaming frequency selector to its sample
// rate in Hz: 24000 for "24khz", 16000 for everything else.
func SampleRateForFrequency(frequency string) int {
	if frequency == "24khz" {
		return 24000
	}
	return 16000
}
