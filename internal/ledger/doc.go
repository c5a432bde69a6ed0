// Package ledger implements the durable, append-only audit record of
// terminal task outcomes. A file with a ledger record is permanently
// excluded from future leasing unless the failed-retry policy
// explicitly reintroduces it.
package ledger
