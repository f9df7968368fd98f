package utils

// Split a total count into batches of at most batchSize.
// A non-positive total yields no batches.
func SplitBatches(total, batchSize int) []int {
	if total <= 0 || batchSize <= 0 {
		return nil
	}

	batches := []int{}
	for total > 0 {
		n := batchSize
		if total < n {
			n = total
		}
		batches = append(batches, n)
		total -= n
	}
	return batches
}

// Deduplicate strings preserving first-seen order.
func Dedupe(items []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, item := range items {
		if seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
