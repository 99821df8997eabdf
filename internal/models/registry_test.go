package models

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestRegisterSanitizesMetadata(t *testing.T) {
	r := NewRegistry(testLogger())
	err := r.Register(KindPrediction, StaticAdapter{
		Key: "lib.Model",
		Meta: Metadata{
			Name:            `<script>alert(1)</script>Model`,
			Description:     `A <b>great</b> model`,
			Author:          `<a href="http://evil">Eve</a>`,
			AnnotationTypes: []string{"labels", "hexagons"},
			PredictionTypes: []string{"labels"},
		},
	})
	require.NoError(t, err)

	entry, ok := r.Get(KindPrediction, "lib.Model")
	require.True(t, ok)
	require.Equal(t, "Model", entry.Meta.Name)
	require.Equal(t, "A great model", entry.Meta.Description)
	require.Equal(t, "Eve", entry.Meta.Author)
	// Unknown annotation types are dropped, known ones kept.
	require.Equal(t, []string{"labels"}, entry.Meta.AnnotationTypes)
}

func TestRegisterExcludesModelWithNoUsableTypes(t *testing.T) {
	r := NewRegistry(testLogger())
	err := r.Register(KindPrediction, StaticAdapter{
		Key: "lib.Bad",
		Meta: Metadata{
			AnnotationTypes: []string{"hexagons"},
			PredictionTypes: []string{"labels"},
		},
	})
	require.NoError(t, err)
	_, ok := r.Get(KindPrediction, "lib.Bad")
	require.False(t, ok)
}

func TestRegistryFreeze(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Freeze()
	err := r.Register(KindRanking, StaticAdapter{Key: "lib.Late"})
	require.Error(t, err)
}

func TestListFiltersByCompatibility(t *testing.T) {
	r, err := Bootstrap(testLogger())
	require.NoError(t, err)

	compatible := r.List(KindPrediction, "labels", "labels")
	require.NotEmpty(t, compatible)
	for _, e := range compatible {
		require.Contains(t, e.Meta.AnnotationTypes, "labels")
		require.Contains(t, e.Meta.PredictionTypes, "labels")
	}

	none := r.List(KindPrediction, "segmentationMasks", "labels")
	require.Empty(t, none)

	// Ranking criteria are not type-filtered.
	require.NotEmpty(t, r.List(KindRanking, "", ""))
}

func TestVerifyWithAndWithoutVerifier(t *testing.T) {
	r, err := Bootstrap(testLogger())
	require.NoError(t, err)

	// RetinaNet carries a verifier requiring a backbone key.
	v := r.Verify("labelforge.models.pytorch.boundingBoxes.RetinaNet", map[string]any{"lr": 0.01})
	require.False(t, v.Valid)
	require.NotEmpty(t, v.Errors)

	v = r.Verify("labelforge.models.pytorch.boundingBoxes.RetinaNet", map[string]any{"backbone": "resnet101"})
	require.True(t, v.Valid)

	// U-Net has no verifier; options pass with a warning.
	v = r.Verify("labelforge.models.pytorch.segmentationMasks.UNet", map[string]any{"anything": 1})
	require.True(t, v.Valid)
	require.NotEmpty(t, v.Warnings)

	v = r.Verify("lib.Missing", nil)
	require.False(t, v.Valid)
}

func TestCheckOptionsForCompiler(t *testing.T) {
	r, err := Bootstrap(testLogger())
	require.NoError(t, err)

	valid, known := r.CheckOptions("labelforge.models.pytorch.boundingBoxes.RetinaNet", map[string]any{"lr": 0.01})
	require.True(t, known)
	require.False(t, valid)

	_, known = r.CheckOptions("labelforge.models.pytorch.segmentationMasks.UNet", nil)
	require.False(t, known, "no verifier means unknown, settings pass through")

	_, known = r.CheckOptions("lib.Missing", nil)
	require.False(t, known)
}
