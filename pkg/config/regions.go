package config

import (
	"fmt"

	"github.com/gobwas/glob"
)

// RegionFilter handles glob matching of region names
type RegionFilter struct {
	included []glob.Glob
	excluded []glob.Glob
}

// NewRegionFilter compiles include and exclude patterns.
func NewRegionFilter(include, exclude []string) (*RegionFilter, error) {
	rf := &RegionFilter{}

	for _, pattern := range include {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern '%s': %w", pattern, err)
		}
		rf.included = append(rf.included, g)
	}

	for _, pattern := range exclude {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern '%s': %w", pattern, err)
		}
		rf.excluded = append(rf.excluded, g)
	}

	return rf, nil
}

// Allows reports whether region passes the filter. Exclusions win; with no
// include patterns every region not excluded passes.
func (rf *RegionFilter) Allows(region string) bool {
	for _, pattern := range rf.excluded {
		if pattern.Match(region) {
			return false
		}
	}

	if len(rf.included) == 0 {
		return true
	}

	for _, pattern := range rf.included {
		if pattern.Match(region) {
			return true
		}
	}

	return false
}

// Apply returns the allowed regions in their original order, truncated to
// limit when limit is positive.
func (rf *RegionFilter) Apply(regions []string, limit int) []string {
	out := make([]string, 0, len(regions))
	for _, r := range regions {
		if !rf.Allows(r) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// RegionFilter builds the filter for this configuration.
func (c *Config) RegionFilter() (*RegionFilter, error) {
	return NewRegionFilter(c.Regions.Include, c.Regions.Exclude)
}
