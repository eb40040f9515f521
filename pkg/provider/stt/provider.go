// Package stt defines the provider interfaces for Speech-to-Text backends.
//
// Two capabilities exist. [Transcriber] is the batch capability every vendor
// adapter implements: one uploaded file in, one transcript out. [Provider] is
// the optional live capability: once opened, a [SessionHandle] accepts raw
// PCM chunks and emits two streams of [Transcript] values, low-latency
// partials and authoritative finals.
//
// Adapters translate vendor failures into [*Error] so that callers can tell
// timeouts, misconfiguration and vendor-reported failures apart without
// knowing anything about the vendor's wire format.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// Transcriber is the uniform batch capability implemented once per vendor.
type Transcriber interface {
	// Transcribe sends the whole payload to the vendor and returns the
	// transcript text. ctx carries the per-attempt deadline; adapters should
	// abort the vendor call when it expires. Errors should be [*Error] values
	// built with [Timeout], [Misconfigured] or [Vendor].
	Transcribe(ctx context.Context, p audio.Payload) (string, error)
}

// StreamConfig describes the audio format and recognition hints for a new
// live session.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz. Common values: 16000, 48000.
	SampleRate int

	// Channels is the number of interleaved channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag (e.g. "en-US"). Empty lets the
	// provider auto-detect, if supported.
	Language string
}

// SessionHandle represents an open live transcription session. It is an
// interface so that test code can provide mock implementations without a
// live vendor connection.
//
// Callers must call Close when the session is no longer needed.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw 16-bit little-endian PCM. Calling
	// SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed transcripts. Closed when the session ends.
	Finals() <-chan Transcript

	// Close flushes pending audio, terminates the session and releases all
	// resources. After Close returns both channels are closed. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the live-streaming capability. Only some vendors offer it.
type Provider interface {
	// StartStream opens a new live session. The returned SessionHandle is
	// ready to accept audio immediately. The caller owns the handle.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
