// Package fallback queues notifications whose immediate delivery failed and
// retries them with exponential backoff, dead-lettering after the retry
// budget is exhausted.
//
// The durable RabbitMQ queue is the primary store; the bounded in-memory
// list only exists for broker outages and is mutually exclusive with it per
// enqueue.
package fallback
