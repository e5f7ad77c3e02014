// Package broadcast fans reconciled crawl state out to subscribers. The Hub
// accepts messages without blocking, batches them on a single goroutine and
// hands each batch to every registered Sink in order. Sink failures are logged
// and counted, never returned to the code that produced the message.
package broadcast
