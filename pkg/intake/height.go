package intake

import "github.com/pisawatch/tower/pkg/chainfollow"

// CacheHeightSource adapts a chainfollow.BlockCache to HeightSource.
type CacheHeightSource struct {
	cache *chainfollow.BlockCache
}

// NewCacheHeightSource wraps cache.
func NewCacheHeightSource(cache *chainfollow.BlockCache) *CacheHeightSource {
	return &CacheHeightSource{cache: cache}
}

// CurrentHeight returns the highest block height attached to the cache.
func (s *CacheHeightSource) CurrentHeight() uint64 {
	return s.cache.MaxHeight()
}
