package provider

// freeInstanceCache remembers instance ids the fleet manager has
// recently observed as free, so a new acquisition can try them without
// re-describing the whole group first. It's a hint, not a source of
// truth: a cached id that turns out to be bound by the time it's tried
// is simply discarded and the caller falls back to a fresh describe.
//
// Built on a buffered channel as a bounded set with cheap concurrent
// push/pop, the same shape a container pool uses to hand out live
// container handles, generalized here to caching instance id hints
// instead (the fleet manager doesn't own an EC2 instance's lifecycle
// the way a container pool owns its containers).
type freeInstanceCache struct {
	ids chan string
}

func newFreeInstanceCache(capacity int) *freeInstanceCache {
	return &freeInstanceCache{ids: make(chan string, capacity)}
}

// Offer records instanceID as a free hint, dropping it silently if the
// cache is full (another describe pass will rediscover it anyway).
func (c *freeInstanceCache) Offer(instanceID string) {
	select {
	case c.ids <- instanceID:
	default:
	}
}

// Take returns a cached free id, or "" if the cache is empty.
func (c *freeInstanceCache) Take() string {
	select {
	case id := <-c.ids:
		return id
	default:
		return ""
	}
}
