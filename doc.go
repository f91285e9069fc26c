// Package rbus implements a redis-backed message bus that unifies
// request/response RPC with timeouts and durable pub-sub events with
// consumer-group semantics, acknowledgement and redelivery of
// abandoned messages.
//
// Transports
//
// Four transports share a pooled connection abstraction
// (redistransport.Pool):
//
//   - redistransport.RPC registers call requests on a per-API redis
//     list and hands them to whichever consumer pops them first.
//   - redistransport.Result delivers the outcome of a call back to
//     the caller that issued it, via a list keyed by call id.
//   - redistransport.Event writes events to redis streams and reads
//     them back through consumer groups, reclaiming entries
//     abandoned by a crashed consumer.
//   - redistransport.Schema stores and loads per-API JSON schemas.
//
// A Message (this package) is the common shape carried by all four;
// the serialize package turns it into redis values and back, either
// as a single opaque blob or as one stream field per argument.
//
// Services publish events and call procedures by name; workers
// consume from named queues or streams, process messages, and either
// return a result or acknowledge completion.
package rbus
