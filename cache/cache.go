package cache

import (
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
)

var (
	DefaultFolderIDTTL   = 1 * time.Hour
	DefaultDirectLinkTTL = 10 * time.Minute
)

type Cache struct {
	FolderIDs   FolderIDsCache
	DirectLinks DirectLinksCache
}

func New() *Cache {
	folderIDsCache := ccache.New(
		ccache.Configure[string]().
			MaxSize(100).
			GetsPerPromote(3).
			ItemsToPrune(1),
	)

	directLinksCache := ccache.New(
		ccache.Configure[string]().
			MaxSize(1000).
			GetsPerPromote(3).
			ItemsToPrune(1),
	)

	return &Cache{
		FolderIDs: FolderIDsCache{
			c:   folderIDsCache,
			mux: sync.Mutex{},
		},
		DirectLinks: DirectLinksCache{
			c:   directLinksCache,
			mux: sync.Mutex{},
		},
	}
}

// FolderIDsCache memoizes Drive destination folder lookups keyed by the
// requested folder name or configured folder ID.
type FolderIDsCache struct {
	c   *ccache.Cache[string]
	mux sync.Mutex
}

func (c *FolderIDsCache) Fetch(k string, ttl time.Duration, fetch func() (string, error)) (*ccache.Item[string], error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.c.Fetch(k, ttl, fetch)
}

func (c *FolderIDsCache) Delete(k string) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.c.Delete(k)
}

// DirectLinksCache memoizes hosting-service link indirection results keyed
// by the original share link.
type DirectLinksCache struct {
	c   *ccache.Cache[string]
	mux sync.Mutex
}

func (c *DirectLinksCache) Fetch(k string, ttl time.Duration, fetch func() (string, error)) (*ccache.Item[string], error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.c.Fetch(k, ttl, fetch)
}
