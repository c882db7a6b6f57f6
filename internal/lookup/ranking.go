package lookup

import "sort"

// Rank orders offers best-to-worst and truncates to the top n. Ordering is
// ascending price, ties broken by descending quantity, remaining ties by
// supplier name ascending so the result is deterministic for any input
// permutation. Pure function: the input slice is not modified.
func Rank(offers []Offer, n int) []Offer {
	ranked := make([]Offer, len(offers))
	copy(ranked, offers)

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Price != b.Price {
			return a.Price < b.Price
		}
		if a.Quantity != b.Quantity {
			return a.Quantity > b.Quantity
		}
		return a.Supplier < b.Supplier
	})

	if n >= 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
