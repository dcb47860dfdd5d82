// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription service (a local whisper.cpp
// server or a hosted API) and exposes a uniform one-shot interface: the caller
// hands over a complete audio file — a voice note, an audio attachment, the
// audio track of a video note — and receives the transcribed text.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Request describes one audio file to transcribe.
type Request struct {
	// Filename is the original file name, used to hint the container format
	// to the backend (e.g., "voice.oga", "note.mp4").
	Filename string

	// MIME is the content type of Data (e.g., "audio/ogg").
	MIME string

	// Data is the complete encoded audio file.
	Data []byte

	// Language is the BCP-47 language tag for recognition (e.g., "en",
	// "de"). An empty string lets the provider auto-detect the language,
	// if supported.
	Language string

	// DurationSeconds is the media duration as reported by the messaging
	// platform, when known. Providers may ignore it; billing uses it when
	// the provider does not report its own measurement.
	DurationSeconds float64
}

// Result is the outcome of a transcription.
type Result struct {
	// Text is the transcribed speech. May be empty for silent audio.
	Text string

	// DurationSeconds is the audio duration as measured by the provider,
	// or 0 when the provider does not report one.
	DurationSeconds float64
}

// Provider is the abstraction over any batch STT backend.
type Provider interface {
	// Transcribe submits the complete audio file and blocks until the
	// transcript is available or ctx is cancelled.
	Transcribe(ctx context.Context, req Request) (*Result, error)
}
