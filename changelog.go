package convsync

// changeLog records the keyed changes applied to a collection while a
// reload of that collection is in flight. The reload replays them over
// the fetched state so nothing routed during the fetch is lost.
type changeLog[T any] struct {
	entries []T
}

// changeLogs is the set of logs open on one collection. It is guarded by
// the owning collection's lock.
type changeLogs[T any] struct {
	open map[*changeLog[T]]struct{}
}

func (c *changeLogs[T]) start() *changeLog[T] {
	if c.open == nil {
		c.open = make(map[*changeLog[T]]struct{})
	}
	l := &changeLog[T]{}
	c.open[l] = struct{}{}
	return l
}

// stop closes l and returns what it recorded.
func (c *changeLogs[T]) stop(l *changeLog[T]) []T {
	if l == nil {
		return nil
	}
	delete(c.open, l)
	return l.entries
}

func (c *changeLogs[T]) record(v T) {
	for l := range c.open {
		l.entries = append(l.entries, v)
	}
}

func (c *changeLogs[T]) reset() {
	c.open = nil
}
