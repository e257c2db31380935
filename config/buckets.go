package config

import (
	"fmt"

	"github.com/nexusus/envy/errors"
)

// Bucket maps an inclusive player-count range to a presentation destination.
// Max == 0 means unbounded above.
type Bucket struct {
	Name        string `yaml:"name"`
	Min         int    `yaml:"min"`
	Max         int    `yaml:"max"`
	Destination string `yaml:"destination"`
}

// Contains reports whether count falls inside the bucket's range
func (b Bucket) Contains(count int) bool {
	if count < b.Min {
		return false
	}
	return b.Max == 0 || count <= b.Max
}

// BucketTable is an ordered, non-overlapping set of buckets
type BucketTable []Bucket

// DefaultBuckets builds the standard five-tier table from destination ids.
// Tiers with an empty destination are omitted, so a count landing there is
// treated as unplayable.
func DefaultBuckets(veryLow, low, medium, high, overflow string) BucketTable {
	all := BucketTable{
		{Name: "very-low", Min: 1, Max: 1, Destination: veryLow},
		{Name: "low", Min: 2, Max: 5, Destination: low},
		{Name: "medium", Min: 6, Max: 50, Destination: medium},
		{Name: "high", Min: 51, Max: 500, Destination: high},
		{Name: "overflow", Min: 501, Max: 0, Destination: overflow},
	}

	table := make(BucketTable, 0, len(all))
	for _, b := range all {
		if b.Destination != "" {
			table = append(table, b)
		}
	}
	return table
}

// DestinationFor returns the destination for a player count, or false when no
// bucket matches (the entity is treated as unplayable)
func (t BucketTable) DestinationFor(count int) (string, bool) {
	if count <= 0 {
		return "", false
	}
	for _, b := range t {
		if b.Contains(count) {
			return b.Destination, true
		}
	}
	return "", false
}

// Destinations returns the distinct destination ids in table order
func (t BucketTable) Destinations() []string {
	seen := make(map[string]struct{}, len(t))
	out := make([]string, 0, len(t))
	for _, b := range t {
		if _, ok := seen[b.Destination]; ok {
			continue
		}
		seen[b.Destination] = struct{}{}
		out = append(out, b.Destination)
	}
	return out
}

// Validate checks ordering, bounds, and overlap
func (t BucketTable) Validate() error {
	if len(t) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "BucketTable", "Validate",
			"at least one bucket is required")
	}

	for i, b := range t {
		if b.Destination == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "BucketTable", "Validate",
				fmt.Sprintf("bucket %q has no destination", b.Name))
		}
		if b.Min <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "BucketTable", "Validate",
				fmt.Sprintf("bucket %q min must be positive", b.Name))
		}
		if b.Max != 0 && b.Max < b.Min {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "BucketTable", "Validate",
				fmt.Sprintf("bucket %q max below min", b.Name))
		}
		if i == 0 {
			continue
		}
		prev := t[i-1]
		if prev.Max == 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "BucketTable", "Validate",
				fmt.Sprintf("unbounded bucket %q must be last", prev.Name))
		}
		if b.Min <= prev.Max {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "BucketTable", "Validate",
				fmt.Sprintf("bucket %q overlaps %q", b.Name, prev.Name))
		}
	}
	return nil
}
