// Package worker implements the client side of the dispatch protocol.
//
// The worker polls the coordinator for tasks during its run window,
// downloads the audio, runs the processing pipeline, and stages the
// finished transcript on disk before acknowledging anything. Delivery
// is a separate concern: the uploader drains the staged transcripts
// with retries and backoff, so a coordinator outage or a worker crash
// never loses a finished transcription.
//
// Stage directories under the work directory record where each
// transcript is in its lifecycle:
//
//	leased/       downloaded audio being processed
//	transcribed/  finished transcripts awaiting delivery
//	uploaded/     transcripts the coordinator has accepted
//	failed/       transcripts the coordinator permanently rejected
package worker
