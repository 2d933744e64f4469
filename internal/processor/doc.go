// Package processor implements the single command processor behind every
// relay session.
//
// Sessions hand a Call (request plus private reply channel) to the Processor
// through a bounded queue. One goroutine consumes the queue in arrival order,
// runs the Executor, copies the request's echo onto the response, and
// delivers it on the call's reply channel. A reply nobody waits for anymore
// is discarded silently.
//
// Throughput is bounded by the single consumer: at most 1/latency requests
// per second across all sessions, where latency is the mean Executor time.
// Enqueueing blocks for at most Config.EnqueueTimeout once the queue is full,
// then fails with ErrQueueFull; requests are never dropped silently.
package processor
