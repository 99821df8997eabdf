package dispatch

import (
	"sync"

	"github.com/antigravity-dev/labelforge/internal/broker"
)

// TreeCache holds the live (id, name, children) trees keyed by project and
// workflow id. The dispatcher fills it; the tracker reads and eventually
// evicts on terminal detection.
type TreeCache struct {
	mu    sync.RWMutex
	trees map[string]*broker.ResultNode
}

func NewTreeCache() *TreeCache {
	return &TreeCache{trees: make(map[string]*broker.ResultNode)}
}

func cacheKey(project, id string) string {
	return project + "/" + id
}

func (c *TreeCache) Put(project, id string, tree *broker.ResultNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trees[cacheKey(project, id)] = tree
}

func (c *TreeCache) Get(project, id string) (*broker.ResultNode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tree, ok := c.trees[cacheKey(project, id)]
	return tree, ok
}

func (c *TreeCache) Delete(project, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.trees, cacheKey(project, id))
}
