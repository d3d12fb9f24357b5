package harvest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultRegionFilters_CoversDefaultRegions(t *testing.T) {
	t.Parallel()

	filters := DefaultRegionFilters()
	for _, region := range DefaultRegions() {
		require.NotEmpty(t, filters[region], "region %s has no countries", region)
	}
	require.Len(t, DefaultRegions(), 9)
}

func TestRegionFilters_Clause(t *testing.T) {
	t.Parallel()

	filters := RegionFilters{"benelux": {"Netherlands", "Belgium", "Luxembourg"}}

	clause := filters.Clause("benelux")
	require.Equal(t, "sourcecountry:Netherlands OR sourcecountry:Belgium OR sourcecountry:Luxembourg", clause)
}

func TestRegionFilters_Clause_UnknownRegionIsEmpty(t *testing.T) {
	t.Parallel()

	require.Empty(t, DefaultRegionFilters().Clause("atlantis"))
}

func TestRegionFilters_Merge(t *testing.T) {
	t.Parallel()

	base := DefaultRegionFilters()
	merged := base.Merge(RegionFilters{
		"oceania": {"Australia"},
		"nordics": {"Sweden", "Norway"},
	})

	require.Equal(t, []string{"Australia"}, merged["oceania"])
	require.Equal(t, []string{"Sweden", "Norway"}, merged["nordics"])
	// Base stays untouched.
	require.Len(t, base["oceania"], 6)
	require.NotContains(t, base, "nordics")
}

func TestRegionFilters_EuropeClauseMatchesUpstreamSyntax(t *testing.T) {
	t.Parallel()

	clause := DefaultRegionFilters().Clause("europe")
	require.True(t, strings.HasPrefix(clause, "sourcecountry:UnitedKingdom OR "))
	require.Contains(t, clause, "sourcecountry:CzechRepublic")
	require.Equal(t, 20, strings.Count(clause, "sourcecountry:"))
}

func TestWorkUnit_Keys(t *testing.T) {
	t.Parallel()

	unit := WorkUnit{
		CollectionID: "c-1",
		Query:        "climate change",
		Region:       "europe",
		MaxArticles:  5,
		Year:         2025,
		Month:        3,
	}

	require.Equal(t, "2025/03/europe", unit.Key())
	require.Equal(t, "collections/c-1/2025/03/europe.json", unit.ArtifactPath())
	require.Equal(t, "status/c-1.json", StatusKey("c-1"))
	require.Equal(t, "collections/c-1/[year]/[month]/[region].json", ArtifactPathTemplate("c-1"))
}
