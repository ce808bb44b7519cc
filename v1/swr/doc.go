// Package swr is a stale-while-revalidate cache coordinated by a
// distributed refresh lock. Reads in the Fresh window return immediately;
// reads in the Stale window return the cached value and trigger at most one
// background refresh across the whole cluster; misses and expired reads
// block a bounded time for a single fetcher to populate the entry, with an
// optional stale fallback.
package swr
