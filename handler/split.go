package handler

import "oss.nandlabs.io/gridmesh/rt"

// Split partitions a KindList parameter value named splitKey into at most
// chunkCount slices, following the algorithm: N = min(chunkCount, items);
// slice = floor(items/N); any remainder is appended to the final slice.
// It returns one rt.Value per slice, each a copy of base with splitKey
// replaced by that slice's items. A chunkCount <= 0 or a splitKey that is
// not a list on base yields a single-element result equal to base.
func Split(base rt.Value, splitKey string, chunkCount int) []rt.Value {
	items, ok := base.Get(splitKey)
	if !ok || items.Kind() != rt.KindList || chunkCount <= 0 {
		return []rt.Value{base}
	}

	all := items.AsList()
	n := chunkCount
	if n > len(all) {
		n = len(all)
	}
	if n <= 0 {
		return []rt.Value{base}
	}

	sliceSize := len(all) / n
	out := make([]rt.Value, 0, n)
	offset := 0
	for i := 0; i < n; i++ {
		end := offset + sliceSize
		if i == n-1 {
			end = len(all)
		}
		out = append(out, base.WithField(splitKey, rt.List(all[offset:end]...)))
		offset = end
	}
	return out
}
