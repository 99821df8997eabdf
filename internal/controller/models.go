package controller

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/antigravity-dev/labelforge/internal/models"
	"github.com/antigravity-dev/labelforge/internal/store"
	"github.com/antigravity-dev/labelforge/internal/workflow"
)

// ModelStateInfo is the wire view of a stored model state.
type ModelStateInfo struct {
	ID                   string          `json:"id"`
	ModelLibrary         string          `json:"model_library"`
	AlCriterionLibrary   string          `json:"alcriterion_library"`
	TimeCreated          float64         `json:"time_created"`
	Stats                json.RawMessage `json:"stats,omitempty"`
	Partial              bool            `json:"partial"`
	Imported             bool            `json:"imported_from_marketplace"`
	LabelclassAutoupdate bool            `json:"labelclass_autoupdate"`
}

// ListModelStates returns stored model state metadata, newest first.
func (c *Controller) ListModelStates(ctx context.Context, project string, latestOnly bool) ([]ModelStateInfo, error) {
	rows, err := c.store.ListModelStates(ctx, project, latestOnly)
	if err != nil {
		return nil, err
	}

	out := make([]ModelStateInfo, 0, len(rows))
	for _, m := range rows {
		out = append(out, ModelStateInfo{
			ID:                   m.ID,
			ModelLibrary:         m.ModelLibrary,
			AlCriterionLibrary:   m.AlCriterionLibrary,
			TimeCreated:          marshalTime(m.TimeCreated),
			Stats:                rawJSON(m.Stats),
			Partial:              m.Partial,
			Imported:             m.ImportedFromMarketplace,
			LabelclassAutoupdate: m.LabelclassAutoupdate,
		})
	}
	return out, nil
}

// DeleteModelStates delegates deletion to the workers (the state dicts may
// have artifacts in the file store) and returns the broker task id.
func (c *Controller) DeleteModelStates(ctx context.Context, project, username string, ids []string) (string, error) {
	c.logger.Info("model state deletion requested", "project", project, "states", len(ids), "by", username)
	return c.submitMaintenanceTask(ctx, project, workflow.TaskDeleteModelStates, map[string]any{
		"model_ids": ids,
	})
}

// DuplicateModelState copies a model state so the copy becomes the latest.
// With skipIfLatest the copy is skipped when the id already is the newest
// state; the returned id is then the original.
func (c *Controller) DuplicateModelState(ctx context.Context, project, username, id string, skipIfLatest bool) (string, error) {
	if skipIfLatest {
		latest, err := c.store.IsLatestModelState(ctx, project, id)
		if err != nil {
			return "", err
		}
		if latest {
			return id, nil
		}
	}

	newID, err := c.store.DuplicateModelState(ctx, project, id)
	if err != nil {
		return "", err
	}
	c.logger.Info("model state duplicated", "project", project, "from", id, "to", newID, "by", username)
	return newID, nil
}

// GetModelTrainingStats asks the workers to assemble training statistics for
// the given states (all, when nil) and returns the broker task id.
func (c *Controller) GetModelTrainingStats(ctx context.Context, project, username string, ids []string) (string, error) {
	kwargs := map[string]any{}
	if ids != nil {
		kwargs["model_ids"] = ids
	}
	return c.submitMaintenanceTask(ctx, project, workflow.TaskGetTrainingStats, kwargs)
}

// GetAvailableAIModels lists registered prediction and ranking models. With
// a project the prediction models are filtered by the project's annotation
// and prediction type.
func (c *Controller) GetAvailableAIModels(ctx context.Context, project string) (map[string][]*models.Entry, error) {
	annotationType, predictionType := "", ""
	if project != "" {
		meta, err := c.projectMeta(ctx, project)
		if err != nil {
			return nil, err
		}
		annotationType = meta.AnnotationType
		predictionType = meta.PredictionType
	}

	return map[string][]*models.Entry{
		"prediction": c.registry.List(models.KindPrediction, annotationType, predictionType),
		"ranking":    c.registry.List(models.KindRanking, "", ""),
	}, nil
}

// VerifyAIModelOptions checks model settings without applying them. An empty
// library falls back to the project's configured one.
func (c *Controller) VerifyAIModelOptions(ctx context.Context, project string, options map[string]any, library string) (models.Verdict, error) {
	if library == "" {
		meta, err := c.projectMeta(ctx, project)
		if err != nil {
			return models.Verdict{}, err
		}
		library = meta.AIModelLibrary
	}
	return c.registry.Verify(library, options), nil
}

// AISettingsRequest is the update_ai_model_settings payload.
type AISettingsRequest struct {
	Enabled             bool            `json:"ai_model_enabled"`
	ModelLibrary        string          `json:"ai_model_library"`
	ModelSettings       json.RawMessage `json:"ai_model_settings"`
	AlCriterionLibrary  string          `json:"ai_alcriterion_library"`
	AlCriterionSettings json.RawMessage `json:"ai_alcriterion_settings"`
	NumImagesAutotrain  int             `json:"numimages_autotrain"`
	MinNumAnnoPerImage  int             `json:"minnumannoperimage"`
	MaxNumImagesTrain   int             `json:"maxnumimages_train"`
	MaxNumImagesInf     int             `json:"maxnumimages_inference"`
	MaxNumConcurrent    int             `json:"max_num_concurrent_tasks"`
}

// UpdateAIModelSettings applies AI settings to the project. A blank model or
// criterion library disables the model automatically. Segmentation projects
// that score unlabeled pixels get the hidden "background" class at index
// zero.
func (c *Controller) UpdateAIModelSettings(ctx context.Context, project string, req AISettingsRequest) error {
	meta, err := c.projectMeta(ctx, project)
	if err != nil {
		return err
	}

	if req.ModelLibrary != "" {
		if _, ok := c.registry.Get(models.KindPrediction, req.ModelLibrary); !ok {
			return fmt.Errorf("unknown model library %q", req.ModelLibrary)
		}
	}
	if req.AlCriterionLibrary != "" {
		if _, ok := c.registry.Get(models.KindRanking, req.AlCriterionLibrary); !ok {
			return fmt.Errorf("unknown ranking library %q", req.AlCriterionLibrary)
		}
	}

	enabled := req.Enabled
	if req.ModelLibrary == "" || req.AlCriterionLibrary == "" {
		enabled = false
	}

	if err := c.store.UpdateAIModelSettings(ctx, project, store.AISettings{
		Enabled:             enabled,
		ModelLibrary:        req.ModelLibrary,
		ModelSettings:       req.ModelSettings,
		AlCriterionLibrary:  req.AlCriterionLibrary,
		AlCriterionSettings: req.AlCriterionSettings,
		NumImagesAutotrain:  req.NumImagesAutotrain,
		MinNumAnnoPerImage:  req.MinNumAnnoPerImage,
		MaxNumImagesTrain:   req.MaxNumImagesTrain,
		MaxNumImagesInf:     req.MaxNumImagesInf,
		MaxNumConcurrent:    req.MaxNumConcurrent,
	}); err != nil {
		return err
	}

	if meta.AnnotationType == "segmentationMasks" && !meta.SegmentationIgnoreUnlabeled {
		if err := c.store.EnsureHiddenBackgroundClass(ctx, project); err != nil {
			return err
		}
	}

	if c.pool != nil {
		// Settings changed; the watchdog should re-read them.
		c.pool.Nudge(project, true)
	}
	c.logger.Info("ai model settings updated", "project", project, "enabled", enabled)
	return nil
}

// AutoadaptInfo is the label-class autoadapt answer.
type AutoadaptInfo struct {
	Enabled      bool `json:"enabled"`
	ModelEnabled bool `json:"model_enabled"`
}

// GetLabelclassAutoadaptInfo reports the project flag plus whether the
// latest model state itself was trained with autoupdate.
func (c *Controller) GetLabelclassAutoadaptInfo(ctx context.Context, project string) (*AutoadaptInfo, error) {
	enabled, err := c.store.GetLabelclassAutoupdate(ctx, project)
	if err != nil {
		return nil, err
	}
	modelEnabled, err := c.store.LatestModelStateAutoupdate(ctx, project)
	if err != nil {
		return nil, err
	}
	return &AutoadaptInfo{Enabled: enabled, ModelEnabled: modelEnabled}, nil
}

// SetLabelclassAutoadaptEnabled toggles the project flag. Disabling is
// refused while the latest model state itself has autoupdate baked in; the
// returned value is the effective setting.
func (c *Controller) SetLabelclassAutoadaptEnabled(ctx context.Context, project string, enabled bool) (bool, error) {
	if !enabled {
		modelEnabled, err := c.store.LatestModelStateAutoupdate(ctx, project)
		if err != nil {
			return false, err
		}
		if modelEnabled {
			return true, nil
		}
	}
	if err := c.store.SetLabelclassAutoupdate(ctx, project, enabled); err != nil {
		return false, err
	}
	return enabled, nil
}
