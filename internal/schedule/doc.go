// Package schedule gates the worker's poll loop behind a recurring
// cron-style run window with a bounded duration.
package schedule
