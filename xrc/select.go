package xrc

import "sort"

// Selector chooses which candidate centres a caller acts on.  The pipeline
// itself never selects; it publishes every result in service order.
type Selector func([]TransformedResult) []TransformedResult

// TopN returns a Selector keeping the n results with the largest TotalCount.
// Ties keep service order.  A negative n keeps nothing.
func TopN(n int) Selector {
	if n < 0 {
		n = 0
	}
	return func(results []TransformedResult) []TransformedResult {
		sorted := make([]TransformedResult, len(results))
		copy(sorted, results)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].TotalCount > sorted[j].TotalCount
		})
		if n < len(sorted) {
			sorted = sorted[:n]
		}
		return sorted
	}
}

// Best keeps the single strongest result
var Best = TopN(1)

// First keeps the first result the service ranked
func First(results []TransformedResult) []TransformedResult {
	if len(results) == 0 {
		return nil
	}
	return results[:1]
}
