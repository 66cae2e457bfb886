package index

import "container/list"

// seriesSetCache is a bounded LRU cache of tag key/value to series id set. A
// cache instance is local to one inverted index bucket so that eviction order
// is never maintained globally across buckets. The caller is responsible for
// synchronization.
type seriesSetCache struct {
	capacity int
	elements map[string]map[string]*list.Element
	evictor  *list.List
}

type cacheElement struct {
	key   string
	value string
	set   *SeriesIDSet
}

func newSeriesSetCache(capacity int) *seriesSetCache {
	return &seriesSetCache{
		capacity: capacity,
		elements: make(map[string]map[string]*list.Element),
		evictor:  list.New(),
	}
}

// get returns the cached set for (key, value) and marks it recently used.
func (c *seriesSetCache) get(key, value []byte) *SeriesIDSet {
	if c.capacity == 0 {
		return nil
	}
	if values, ok := c.elements[string(key)]; ok {
		if ele, ok := values[string(value)]; ok {
			c.evictor.MoveToFront(ele)
			return ele.Value.(*cacheElement).set
		}
	}
	return nil
}

// put stores the set for (key, value), evicting the least recently used
// element if the cache is full.
func (c *seriesSetCache) put(key, value []byte, set *SeriesIDSet) {
	if c.capacity == 0 {
		return
	}

	if values, ok := c.elements[string(key)]; ok {
		if ele, ok := values[string(value)]; ok {
			ele.Value.(*cacheElement).set = set
			c.evictor.MoveToFront(ele)
			return
		}
	}

	for c.evictor.Len() >= c.capacity {
		c.evict()
	}

	ele := c.evictor.PushFront(&cacheElement{key: string(key), value: string(value), set: set})
	values, ok := c.elements[string(key)]
	if !ok {
		values = make(map[string]*list.Element)
		c.elements[string(key)] = values
	}
	values[string(value)] = ele
}

// evict removes the least recently used element.
func (c *seriesSetCache) evict() {
	ele := c.evictor.Back()
	if ele == nil {
		return
	}
	c.evictor.Remove(ele)

	el := ele.Value.(*cacheElement)
	values := c.elements[el.key]
	delete(values, el.value)
	if len(values) == 0 {
		delete(c.elements, el.key)
	}
}

// reset drops every cached element, releasing the memory held by the cache.
func (c *seriesSetCache) reset() {
	c.elements = make(map[string]map[string]*list.Element)
	c.evictor = list.New()
}

func (c *seriesSetCache) len() int { return c.evictor.Len() }
