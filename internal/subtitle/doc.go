// Package subtitle parses, rebases, and assembles WebVTT documents so
// per-segment engine output can be merged onto the original file's
// timeline.
package subtitle
