// Package scanner enumerates the audio corpus, derives stable
// path-based file identifiers, and reads optional language-hint
// sidecars.
package scanner
