// Package storage defines the byte-blob store addressed by cache key. The
// filesystem backend maps each key to a single file under the configured
// root (URL-escaped file names) and writes through temp file + rename so
// concurrent readers never observe partial content; deletion leaves open
// file handles readable. The in-memory backend shares immutable buffers by
// reference and is not persistent across restarts. Policies compose a
// Storage with a MetaDB to implement eviction semantics.
package storage
