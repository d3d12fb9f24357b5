package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/newsharvest/gdelt-harvester/internal/harvest"
)

func sampleArtifact() harvest.Artifact {
	date := "2025-03-10 08:00:00"
	return harvest.Artifact{
		CollectionID: "c-1",
		APICallID:    "a-1",
		Query:        "climate change",
		Region:       "europe",
		Year:         2025,
		Month:        3,
		Articles: []harvest.Article{{
			Title:         "Storm season",
			URL:           "https://news.example/storm",
			Date:          &date,
			Year:          2025,
			Month:         3,
			SourceCountry: "Germany",
			Language:      "eng",
			Region:        "europe",
			Query:         "climate change",
		}},
		ArticleCount: 1,
		ProcessedAt:  time.Unix(1700000000, 0).UTC(),
		Metadata: harvest.ArtifactMetadata{
			MaxArticlesRequested: 5,
			ArticlesFound:        1,
			URLConstructed:       "https://api.gdeltproject.org/api/v2/doc/doc?query=...",
		},
	}
}

func TestStore_PutAndGetRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	ctx := context.Background()
	want := sampleArtifact()

	uri, err := store.PutArtifact(ctx, want)
	require.NoError(t, err)
	require.Contains(t, uri, "file://")
	require.Contains(t, uri, "collections/c-1/2025/03/europe.json")

	got, err := store.GetArtifact(ctx, "c-1", 2025, 3, "europe")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestStore_OverwriteIsIdempotent(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	ctx := context.Background()
	a := sampleArtifact()

	first, err := store.PutArtifact(ctx, a)
	require.NoError(t, err)
	second, err := store.PutArtifact(ctx, a)
	require.NoError(t, err)
	require.Equal(t, first, second)

	got, err := store.GetArtifact(ctx, "c-1", 2025, 3, "europe")
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestStore_GetMissingArtifact(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.GetArtifact(context.Background(), "nope", 2025, 1, "africa")
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestNew_RequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
