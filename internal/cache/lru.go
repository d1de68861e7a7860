package cache

import "container/list"

// lruList orders evictable entries by last access.
// Front = least recently used, Back = most recently used.
//
// Strong entries are never added, so every element is an eviction candidate.
type lruList struct {
	ll  *list.List
	idx map[string]*list.Element
}

func newLRUList() *lruList {
	return &lruList{ll: list.New(), idx: make(map[string]*list.Element)}
}

// touch marks hash as most recently used, inserting it if needed.
func (l *lruList) touch(hash string) {
	if el, ok := l.idx[hash]; ok {
		l.ll.MoveToBack(el)
		return
	}
	l.idx[hash] = l.ll.PushBack(hash)
}

func (l *lruList) remove(hash string) {
	el, ok := l.idx[hash]
	if !ok {
		return
	}
	l.ll.Remove(el)
	delete(l.idx, hash)
}

func (l *lruList) contains(hash string) bool {
	_, ok := l.idx[hash]
	return ok
}

func (l *lruList) len() int { return l.ll.Len() }

// oldestFirst calls fn for each hash from least to most recently used
// until fn returns false.
func (l *lruList) oldestFirst(fn func(hash string) bool) {
	for el := l.ll.Front(); el != nil; el = el.Next() {
		if !fn(el.Value.(string)) {
			return
		}
	}
}
