package budget

// KeepNewest keeps the longest suffix of items whose combined cost fits in
// limit, dropping the oldest items first. Items are assumed ordered oldest
// to newest. It returns the kept suffix and its cost.
func KeepNewest[T any](items []T, limit int, cost func(T) int) ([]T, int) {
	used := 0
	start := len(items)
	for i := len(items) - 1; i >= 0; i-- {
		c := cost(items[i])
		if used+c > limit {
			break
		}
		used += c
		start = i
	}
	return items[start:], used
}

// KeepTop keeps the longest prefix of ranked items whose combined cost fits
// in limit, dropping the lowest-ranked items first. Items are assumed ordered
// best first. It returns the kept prefix and its cost.
func KeepTop[T any](items []T, limit int, cost func(T) int) ([]T, int) {
	used := 0
	for i, it := range items {
		c := cost(it)
		if used+c > limit {
			return items[:i], used
		}
		used += c
	}
	return items, used
}
