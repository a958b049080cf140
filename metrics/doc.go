// Package metrics records what a benchmark peer sent and received.
//
// CSVLogger buffers one record per frame and direction and appends them to run scoped CSV files
// with the columns message_id,timestamp_ms,message_length. Counters keeps the atomic frame
// counters of a peer and can expose them to a prometheus registry.
package metrics
