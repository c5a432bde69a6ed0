// Package lease implements the table of time-bounded exclusive claims
// handed to polling workers, with expiry-based reclaim and a persisted
// snapshot that survives coordinator restarts.
package lease
