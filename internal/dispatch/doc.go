// Package dispatch implements the coordinator core: deterministic
// candidate selection over the corpus, exclusive leasing, and
// idempotent result ingestion into the audit ledger, all serialized
// behind one mutex.
package dispatch
