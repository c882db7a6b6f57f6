// Package lookup provides supplier offer retrieval for (brand, article) pairs,
// combining a pre-aggregated fast path with a raw-join general path.
package lookup

import (
	"errors"
	"strings"
)

// ErrLookupFailed indicates both query paths failed for one item. This is the
// only way an item-level lookup error reaches the caller.
var ErrLookupFailed = errors.New("offer lookup failed")

// Offer is one supplier's quote for one article. Offers are transient: they
// exist between the warehouse query and the export row.
type Offer struct {
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
	Supplier string  `json:"supplier"`
}

// BrandAliases maps historically distinct spellings of one manufacturer onto
// each other. Matching is case-insensitive.
type BrandAliases struct {
	sets map[string][]string
}

// NewBrandAliases builds an alias index from alias sets. Every spelling in a
// set expands to the whole set.
func NewBrandAliases(sets [][]string) *BrandAliases {
	index := make(map[string][]string)
	for _, set := range sets {
		normalized := make([]string, 0, len(set))
		for _, brand := range set {
			normalized = append(normalized, normalizeBrand(brand))
		}
		for _, brand := range normalized {
			index[brand] = normalized
		}
	}
	return &BrandAliases{sets: index}
}

// Expand returns every spelling that must match the given brand, lowercased.
// A brand outside any alias set expands to itself.
func (a *BrandAliases) Expand(brand string) []string {
	normalized := normalizeBrand(brand)
	if a != nil {
		if set, ok := a.sets[normalized]; ok {
			out := make([]string, len(set))
			copy(out, set)
			return out
		}
	}
	return []string{normalized}
}

func normalizeBrand(brand string) string {
	return strings.ToLower(strings.TrimSpace(brand))
}
