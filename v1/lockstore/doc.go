// Package lockstore provides adapters to the individual key/value nodes that
// host lock records. Each store supports three atomic primitives:
// set-if-absent-with-expiry, compare-token-then-delete and
// compare-token-then-expire. Implementations exist for Redis and for local
// memory; the in-memory store additionally supports fault injection for tests.
package lockstore
