// Package pipeline implements the client-side audio processing chain.
//
// A file moves through four stages: ffmpeg normalizes it to 16 kHz
// mono PCM, an optional external VAD binary finds voiced regions,
// ffmpeg cuts each region into its own WAV, and the configured engine
// (a local whisper.cpp subprocess or an OpenAI-compatible API)
// transcribes each cut. The per-region cue lists are shifted back onto
// the source timeline and merged into a single WebVTT document.
//
// Processing is all or nothing. If any region fails, the whole file
// fails and no partial transcript is returned.
package pipeline
