// Package pipeline moves frames between the protocol machine and the transport.
//
// Outbound owns a bounded FIFO drained by one paced sender task; Inbound owns an unbounded
// lock-free FIFO drained by one dispatcher task. Both tasks keep running while the shared
// experiment flag is set and exit once it is cleared and their queue is empty.
package pipeline

import "time"

// minPoll is the shortest bounded wait of the consumer loops. Queued frames are picked up
// immediately, so the wait only bounds how late a cleared experiment flag is noticed.
const minPoll = 50 * time.Microsecond

func pollInterval(ifs time.Duration) time.Duration {
	if ifs < minPoll {
		return minPoll
	}

	return ifs
}
