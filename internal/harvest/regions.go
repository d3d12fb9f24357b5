package harvest

import (
	"sort"
	"strings"
)

// RegionFilters maps macro-region names to the source countries that make up
// each region. The table is injectable so deployments can add regions or
// substitute country lists without a code change.
type RegionFilters map[string][]string

// DefaultRegions returns the nine macro-region names in dispatch order.
func DefaultRegions() []string {
	return []string{
		"north_america",
		"europe",
		"asia_pacific",
		"latin_america",
		"middle_east",
		"africa",
		"oceania",
		"south_asia",
		"southeast_asia",
	}
}

// DefaultRegionFilters returns the built-in region to country table.
func DefaultRegionFilters() RegionFilters {
	return RegionFilters{
		"north_america": {"UnitedStates", "Canada", "Mexico"},
		"europe": {
			"UnitedKingdom", "Germany", "France", "Italy", "Spain",
			"Netherlands", "Sweden", "Norway", "Denmark", "Finland",
			"Poland", "Switzerland", "Belgium", "Austria", "Ireland",
			"Portugal", "Greece", "CzechRepublic", "Romania", "Hungary",
		},
		"asia_pacific": {
			"India", "China", "Japan", "SouthKorea", "Australia",
			"NewZealand", "Singapore", "Malaysia", "Thailand", "Vietnam",
			"Indonesia", "Philippines",
		},
		"latin_america": {
			"Brazil", "Argentina", "Chile", "Colombia", "Mexico", "Peru",
			"Venezuela", "Ecuador", "Bolivia", "Uruguay", "Paraguay",
		},
		"middle_east": {
			"SaudiArabia", "UnitedArabEmirates", "Israel", "Turkey", "Egypt",
			"Qatar", "Kuwait", "Bahrain", "Oman", "Jordan", "Lebanon",
			"Iran", "Iraq", "Syria", "Yemen",
		},
		"africa": {
			"Nigeria", "SouthAfrica", "Egypt", "Kenya", "Ethiopia", "Ghana",
			"Tanzania", "Uganda", "Morocco", "Algeria", "Angola", "Sudan",
			"Cameroon", "CoteDIvoire", "Senegal",
		},
		"oceania": {
			"Australia", "NewZealand", "Fiji", "PapuaNewGuinea", "Samoa",
			"Tonga",
		},
		"south_asia": {
			"India", "Pakistan", "Bangladesh", "SriLanka", "Nepal", "Bhutan",
			"Maldives", "Afghanistan",
		},
		"southeast_asia": {
			"Singapore", "Malaysia", "Thailand", "Vietnam", "Indonesia",
			"Philippines", "Myanmar", "Cambodia", "Laos", "Brunei",
			"TimorLeste",
		},
	}
}

// Clause builds the sourcecountry OR-clause for a region. Unknown regions
// yield an empty clause, which leaves the upstream query unfiltered.
func (f RegionFilters) Clause(region string) string {
	countries, ok := f[region]
	if !ok || len(countries) == 0 {
		return ""
	}
	terms := make([]string, 0, len(countries))
	for _, c := range countries {
		terms = append(terms, "sourcecountry:"+c)
	}
	return strings.Join(terms, " OR ")
}

// Regions returns the region names in the table, sorted for determinism.
func (f RegionFilters) Regions() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge returns a copy of f with overrides applied on top. Overriding a
// region with an empty country list removes its filter entirely.
func (f RegionFilters) Merge(overrides RegionFilters) RegionFilters {
	merged := make(RegionFilters, len(f)+len(overrides))
	for name, countries := range f {
		merged[name] = append([]string(nil), countries...)
	}
	for name, countries := range overrides {
		merged[name] = append([]string(nil), countries...)
	}
	return merged
}
