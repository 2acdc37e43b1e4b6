// Package cache provides the exact-match key-value caching shared across
// this module. It defines the Cache interface for key-value storage with
// TTL support and a registry for pluggable cache backends; synthcache
// layers fingerprint-based synthesis caching on top of it.
//
// # Cache Interface
//
// The Cache interface provides four operations:
//
//   - Get retrieves a value by key, returning (value, found, error).
//   - Set stores a value with a key and TTL.
//   - Delete removes a key from the cache.
//   - Clear removes all entries.
//
// # Registry
//
// Cache backends register via the package's registry pattern. Import a
// provider package for side-effect registration, then create instances via New.
//
// # Usage
//
// Exact caching with the in-memory provider:
//
//	import _ "github.com/lookatitude/voxtenant/cache/providers/inmemory"
//
//	c, err := cache.New("inmemory", cache.Config{
//	    TTL:     5 * time.Minute,
//	    MaxSize: 1000,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = c.Set(ctx, "key", "value", 10*time.Minute)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	val, ok, err := c.Get(ctx, "key")
package cache
