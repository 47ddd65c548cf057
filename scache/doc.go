// Package scache provides a lock-free content section cache for concurrent
// reads by many independent consumers.
//
// SectionCache holds the latest known record for each content section.
// Cached data is read without lock contention. Writes are serialized, and each
// one publishes a new immutable view of the cache.
//
// ## Stale Is Better Than Empty
//
// A failed fetch never removes cached data. If a section cannot be fetched,
// the cached record, if any, is returned instead and no error is recorded. The
// cache error is only set when there is nothing to fall back to.
//
// ## Coalesced Fetches
//
// When many consumers ask for the same uncached section at once, only one
// request is made to the content API and all consumers receive its result.
// Comparing the fetched record with the cached one, and replacing it, happens
// once inside that single fetch, so every caller gets the same cached object.
//
// ## Generation
//
// The cache generation increases whenever the cached data changes or a
// cache-wide refresh is accepted. A fetch that returns a record with the same
// ID and update time as the cached one does not change the cache and does not
// increase the generation. Consumers subscribe to generation changes to know
// when to re-read the cache.
//
// ## Cache Refresh
//
// Refresh reloads the full content listing in the background. Refresh
// requests are rate-limited by a cooldown, so any number of consumers with
// their own timers cause at most one reload per cooldown period. A throttled
// request is not an error.
package scache
