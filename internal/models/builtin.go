package models

import "log/slog"

// StaticAdapter is a descriptor-only adapter for models executed remotely by
// the AI workers. The core never instantiates the model; it only needs the
// metadata for discovery and compatibility filtering.
type StaticAdapter struct {
	Key      string
	Meta     Metadata
	Defaults map[string]any
	Verifier func(opts map[string]any) Verdict
}

func (a StaticAdapter) Library() string    { return a.Key }
func (a StaticAdapter) Metadata() Metadata { return a.Meta }

func (a StaticAdapter) DefaultOptions() map[string]any { return a.Defaults }

// VerifyOptions delegates to the configured verifier. StaticAdapter is
// registered through staticEntry below so adapters without a verifier do not
// falsely claim the capability.
type verifyingAdapter struct{ StaticAdapter }

func (a verifyingAdapter) VerifyOptions(opts map[string]any) Verdict {
	return a.Verifier(opts)
}

func staticEntry(a StaticAdapter) Adapter {
	if a.Verifier != nil {
		return verifyingAdapter{a}
	}
	return a
}

// Bootstrap registers the built-in model descriptors and freezes the
// registry.
func Bootstrap(logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(logger)

	predictions := []StaticAdapter{
		{
			Key: "labelforge.models.pytorch.labels.ResNet",
			Meta: Metadata{
				Name:            "ResNet classifier",
				Description:     "Image classification with a ResNet-50 backbone.",
				Author:          "LabelForge",
				AnnotationTypes: []string{"labels"},
				PredictionTypes: []string{"labels"},
			},
			Defaults: map[string]any{"backbone": "resnet50", "batch_size": 32},
			Verifier: requireKeys("backbone"),
		},
		{
			Key: "labelforge.models.pytorch.boundingBoxes.RetinaNet",
			Meta: Metadata{
				Name:            "RetinaNet detector",
				Description:     "Object detection producing bounding boxes.",
				Author:          "LabelForge",
				AnnotationTypes: []string{"boundingBoxes"},
				PredictionTypes: []string{"boundingBoxes"},
			},
			Defaults: map[string]any{"backbone": "resnet50", "score_threshold": 0.3},
			Verifier: requireKeys("backbone"),
		},
		{
			Key: "labelforge.models.pytorch.points.WSODPoints",
			Meta: Metadata{
				Name:            "Weakly-supervised point detector",
				Description:     "Point prediction from image-level and point labels.",
				Author:          "LabelForge",
				AnnotationTypes: []string{"points", "labels"},
				PredictionTypes: []string{"points"},
			},
		},
		{
			Key: "labelforge.models.pytorch.segmentationMasks.UNet",
			Meta: Metadata{
				Name:            "U-Net segmentation",
				Description:     "Semantic segmentation with a U-Net.",
				Author:          "LabelForge",
				AnnotationTypes: []string{"segmentationMasks"},
				PredictionTypes: []string{"segmentationMasks"},
			},
			Defaults: map[string]any{"num_epochs_per_run": 2},
		},
	}

	rankers := []StaticAdapter{
		{
			Key: "labelforge.al.breakingTies.BreakingTies",
			Meta: Metadata{
				Name:        "Breaking ties",
				Description: "Prioritizes images with the smallest margin between the two top classes.",
				Author:      "LabelForge",
			},
		},
		{
			Key: "labelforge.al.maxConfidence.MaxConfidence",
			Meta: Metadata{
				Name:        "Max confidence",
				Description: "Prioritizes the most confident predictions for verification.",
				Author:      "LabelForge",
			},
		},
	}

	for _, a := range predictions {
		if err := r.Register(KindPrediction, staticEntry(a)); err != nil {
			return nil, err
		}
	}
	for _, a := range rankers {
		if err := r.Register(KindRanking, staticEntry(a)); err != nil {
			return nil, err
		}
	}

	r.Freeze()
	return r, nil
}

// requireKeys builds a verifier that accepts any option map containing the
// given keys (or none at all, falling back to defaults).
func requireKeys(keys ...string) func(map[string]any) Verdict {
	return func(opts map[string]any) Verdict {
		if len(opts) == 0 {
			return Verdict{Valid: true}
		}
		var missing []string
		for _, k := range keys {
			if _, ok := opts[k]; !ok {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			errs := make([]string, len(missing))
			for i, k := range missing {
				errs[i] = "missing required option: " + k
			}
			return Verdict{Valid: false, Errors: errs}
		}
		return Verdict{Valid: true}
	}
}
