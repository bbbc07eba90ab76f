package harvest

// Partition block-splits entities into at most workers contiguous shards,
// preserving order. Shard sizes differ by at most one, larger shards first.
// Concatenating the shards yields entities exactly.
func Partition(entities []string, workers int) [][]string {
	if len(entities) == 0 || workers < 1 {
		return nil
	}
	if workers > len(entities) {
		workers = len(entities)
	}

	size, extra := len(entities)/workers, len(entities)%workers
	shards := make([][]string, 0, workers)
	start := 0
	for i := 0; i < workers; i++ {
		n := size
		if i < extra {
			n++
		}
		shards = append(shards, entities[start:start+n:start+n])
		start += n
	}
	return shards
}
