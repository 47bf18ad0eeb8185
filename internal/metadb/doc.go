// Package metadb provides the key/value + sorted-set abstraction backing
// cache entry metadata and eviction indexes. The Redis implementation maps
// operations straight onto Redis primitives (meta:<key> blobs, ZADD/ZPOPMIN
// sets, INCRBY counters) and supports multi-process deployments; the bbolt
// implementation emulates sorted sets with score-ordered composite keys for
// single-process persistent setups. Both are interchangeable behind MetaDB.
package metadb
