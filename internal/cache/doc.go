// Package cache defines the on-disk layout of the lazily-populated cache tree:
// CachePath/<site>/<path> for content and CachePath/<site>/.0inst-meta for the
// site's accepted manifest, fetched bundle, keyring and detached signature.
// Every path handed out is absolute, confined to the cache root and checked
// against the configured maximum length. Writers that publish a file other
// processes may read concurrently go through WriteAtomic (temp file + rename)
// so a reader never observes a partially written file at the canonical name.
package cache
