// Package server implements the coordinator's HTTP surface: the task
// distribution protocol (/task, /result, /error, /audio) and the
// monitoring endpoints. Authentication is left to a front proxy.
package server
