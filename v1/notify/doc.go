// Package notify provides a small pub/sub mechanism used to announce
// completed cache refreshes across processes, so callers blocked on a cache
// miss wake up as soon as the winning refresher has populated the entry
// instead of waiting out their poll interval. Implementations exist for
// local memory, Redis Pub/Sub, NATS and Kafka; events carry no payload, the
// subscription key is the information.
package notify
