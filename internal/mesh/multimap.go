package mesh

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// multiMap maps a hash to a set of request ids (or the reverse). Empty
// sets are deleted so len reports live keys.
type multiMap map[string]mapset.Set[string]

func (m multiMap) add(key, value string) {
	s, ok := m[key]
	if !ok {
		s = mapset.NewThreadUnsafeSet[string]()
		m[key] = s
	}
	s.Add(value)
}

func (m multiMap) delete(key, value string) {
	s, ok := m[key]
	if !ok {
		return
	}
	s.Remove(value)
	if s.IsEmpty() {
		delete(m, key)
	}
}

func (m multiMap) deleteKey(key string) { delete(m, key) }

func (m multiMap) has(key string) bool {
	_, ok := m[key]
	return ok
}

func (m multiMap) count(key string) int {
	s, ok := m[key]
	if !ok {
		return 0
	}
	return s.Cardinality()
}

// get returns the values for key, sorted.
func (m multiMap) get(key string) []string {
	s, ok := m[key]
	if !ok {
		return nil
	}
	out := s.ToSlice()
	slices.Sort(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func sortedSet(s mapset.Set[string]) []string {
	out := s.ToSlice()
	slices.Sort(out)
	return out
}
