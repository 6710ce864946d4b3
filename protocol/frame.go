package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedFrame reports envelope bytes that are not valid protobuf wire
// data. Callers drop the frame and keep the relay running.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Field numbers of the worker's frame schema. The outer Frame message is a
// oneof over text (1), audio (2) and transcription (3); the relay only ever
// populates and inspects the audio sub-message.
const (
	frameFieldText          protowire.Number = 1
	frameFieldAudio         protowire.Number = 2
	frameFieldTranscription protowire.Number = 3

	audioFieldID         protowire.Number = 1
	audioFieldName       protowire.Number = 2
	audioFieldPayload    protowire.Number = 3
	audioFieldSampleRate protowire.Number = 4
	audioFieldChannels   protowire.Number = 5
)

// AudioFrame is the decoded audio sub-message of an envelope.
type AudioFrame struct {
	Payload    []byte
	SampleRate int
	Channels   int
}

// AppendAudioEnvelope appends a serialized envelope carrying one audio
// sub-message to buf and returns the extended buffer.
func AppendAudioEnvelope(buf []byte, raw []byte, sampleRate, channels int) []byte {
	inner := protowire.AppendTag(nil, audioFieldPayload, protowire.BytesType)
	inner = protowire.AppendBytes(inner, raw)
	inner = protowire.AppendTag(inner, audioFieldSampleRate, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(sampleRate))
	inner = protowire.AppendTag(inner, audioFieldChannels, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(channels))

	buf = protowire.AppendTag(buf, frameFieldAudio, protowire.BytesType)
	return protowire.AppendBytes(buf, inner)
}

// ParseAudioEnvelope decodes an envelope. The returned frame is nil when the
// envelope is well-formed but carries no audio sub-message (a control or
// transcription frame of the same wire format); that is a valid,
// silently-ignorable case, not an error.
func ParseAudioEnvelope(envelope []byte) (*AudioFrame, error) {
	b := envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		if num == frameFieldAudio && typ == protowire.BytesType {
			inner, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			return parseAudioFrame(inner)
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil, nil
}

func parseAudioFrame(b []byte) (*AudioFrame, error) {
	frame := &AudioFrame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == audioFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			// Copy out of the envelope so the payload survives buffer
			// reuse. Kept non-nil even when empty: an empty audio chunk is
			// still an audio frame, not an absent one.
			frame.Payload = append(make([]byte, 0, len(v)), v...)
			b = b[n:]
		case num == audioFieldSampleRate && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			frame.SampleRate = int(v)
			b = b[n:]
		case num == audioFieldChannels && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			frame.Channels = int(v)
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return frame, nil
}
