package config

import (
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/ini.v1"
)

// GroupProfile is a named set of default group limits, loaded from an INI
// file the way AWS named profiles are loaded from a credentials file: one
// section per profile. Keys are matched case-sensitively and must be
// written in lower case.
type GroupProfile struct {
	Name             string
	ConcurrencyLimit float64
	FrequencyLimit   float64
	FrequencyWindowMs int
}

// ListGroupProfiles returns every profile defined in path, sorted by name.
func ListGroupProfiles(path string) ([]GroupProfile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load group profiles file: %w", err)
	}

	var profiles []GroupProfile
	for _, section := range file.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		profiles = append(profiles, parseGroupProfile(section))
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	return profiles, nil
}

// LoadGroupProfile reads a single named profile from path. It returns
// DefaultGroupLimitConfig's shape if the file or profile does not exist, the
// same "fall back to defaults" behavior applied elsewhere in this package.
func LoadGroupProfile(path, name string) (GroupProfile, error) {
	profiles, err := ListGroupProfiles(path)
	if err != nil {
		return GroupProfile{}, err
	}
	for _, p := range profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return GroupProfile{
		Name:              name,
		ConcurrencyLimit:  DefaultGroupLimitConfig.ConcurrencyLimit,
		FrequencyLimit:    DefaultGroupLimitConfig.FrequencyLimit,
		FrequencyWindowMs: int(DefaultGroupLimitConfig.FrequencyWindow.Milliseconds()),
	}, nil
}

func parseGroupProfile(section *ini.Section) GroupProfile {
	p := GroupProfile{
		Name:              section.Name(),
		ConcurrencyLimit:  DefaultGroupLimitConfig.ConcurrencyLimit,
		FrequencyLimit:    DefaultGroupLimitConfig.FrequencyLimit,
		FrequencyWindowMs: int(DefaultGroupLimitConfig.FrequencyWindow.Milliseconds()),
	}

	if key := section.Key("concurrency_limit"); key.String() != "" {
		if v, err := key.Float64(); err == nil {
			p.ConcurrencyLimit = v
		} else if key.String() == "unlimited" {
			p.ConcurrencyLimit = math.Inf(1)
		}
	}
	if key := section.Key("frequency_limit"); key.String() != "" {
		if v, err := key.Float64(); err == nil {
			p.FrequencyLimit = v
		} else if key.String() == "unlimited" {
			p.FrequencyLimit = math.Inf(1)
		}
	}
	if key := section.Key("frequency_window_ms"); key.String() != "" {
		if v, err := key.Int(); err == nil {
			p.FrequencyWindowMs = v
		}
	}

	return p
}
