// Package worker provides the bounded offload pool used for blocking handlers.
//
// A Pool accepts closures without blocking the submitter. Submitted closures are
// pushed onto a lock-free multi-producer single-consumer queue, a dispatcher
// goroutine pops them in order and starts each one as soon as the weighted
// semaphore grants a slot. Callers can await completion through the returned
// channel.
package worker
