package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ModelState is the metadata of one stored model artifact. The state dict
// itself stays in the database; the core only moves metadata around.
type ModelState struct {
	ID                      string
	ModelLibrary            string
	AlCriterionLibrary      string
	TimeCreated             time.Time
	Stats                   []byte
	Partial                 bool
	MarketplaceOriginID     *string
	ImportedFromMarketplace bool
	LabelclassAutoupdate    bool
}

const modelStateColumns = `id::text, COALESCE(model_library, ''), COALESCE(alcriterion_library, ''),
	timecreated, COALESCE(stats, '{}'::jsonb), COALESCE(partial, FALSE),
	marketplace_origin_id::text, COALESCE(imported_from_marketplace, FALSE),
	COALESCE(labelclass_autoupdate, FALSE)`

// ListModelStates returns model state metadata, newest first. With latestOnly
// the result holds at most one entry.
func (s *Store) ListModelStates(ctx context.Context, project string, latestOnly bool) ([]ModelState, error) {
	query := `SELECT ` + modelStateColumns + ` FROM ` + rel(project, "cnnstate") + `
		ORDER BY timecreated DESC`
	if latestOnly {
		query += ` LIMIT 1`
	}

	rows, err := s.pool.Query(ctx, query+";")
	if err != nil {
		return nil, fmt.Errorf("store: list model states: %w", err)
	}
	defer rows.Close()

	var out []ModelState
	for rows.Next() {
		var m ModelState
		if err := rows.Scan(
			&m.ID, &m.ModelLibrary, &m.AlCriterionLibrary, &m.TimeCreated,
			&m.Stats, &m.Partial, &m.MarketplaceOriginID,
			&m.ImportedFromMarketplace, &m.LabelclassAutoupdate,
		); err != nil {
			return nil, fmt.Errorf("store: scan model state: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list model states: %w", err)
	}
	return out, nil
}

// LatestModelStateTime returns the creation time of the newest model state,
// or the zero time when the project has none.
func (s *Store) LatestModelStateTime(ctx context.Context, project string) (time.Time, error) {
	query := `SELECT timecreated FROM ` + rel(project, "cnnstate") + `
		ORDER BY timecreated DESC LIMIT 1;`

	var t time.Time
	err := s.pool.QueryRow(ctx, query).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: latest model state time: %w", err)
	}
	return t, nil
}

// IsLatestModelState reports whether the id names the newest model state.
func (s *Store) IsLatestModelState(ctx context.Context, project, id string) (bool, error) {
	query := `SELECT id = $1::uuid FROM ` + rel(project, "cnnstate") + `
		ORDER BY timecreated DESC LIMIT 1;`

	var latest bool
	err := s.pool.QueryRow(ctx, query, id).Scan(&latest)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: latest model state check: %w", err)
	}
	return latest, nil
}

// DuplicateModelState copies a model state row under a fresh id with
// timecreated = now, making the copy the latest state. Returns the new id.
func (s *Store) DuplicateModelState(ctx context.Context, project, id string) (string, error) {
	cnnstate := rel(project, "cnnstate")
	query := `INSERT INTO ` + cnnstate + `
		(id, model_library, alcriterion_library, timecreated, statedict, stats,
		 partial, marketplace_origin_id, imported_from_marketplace, labelclass_autoupdate)
		SELECT gen_random_uuid(), model_library, alcriterion_library, NOW(), statedict, stats,
		 partial, marketplace_origin_id, imported_from_marketplace, labelclass_autoupdate
		FROM ` + cnnstate + ` WHERE id = $1::uuid
		RETURNING id::text;`

	var newID string
	err := s.pool.QueryRow(ctx, query, id).Scan(&newID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("model state %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("store: duplicate model state %s: %w", id, err)
	}
	return newID, nil
}

// DeleteModelStates removes the given model state rows and returns the ids
// actually deleted.
func (s *Store) DeleteModelStates(ctx context.Context, project string, ids []string) ([]string, error) {
	query := `DELETE FROM ` + rel(project, "cnnstate") + `
		WHERE id = ANY($1::uuid[]) RETURNING id::text;`

	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("store: delete model states: %w", err)
	}
	defer rows.Close()

	var deleted []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan deleted model state: %w", err)
		}
		deleted = append(deleted, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: delete model states: %w", err)
	}
	return deleted, nil
}

// LatestModelStateAutoupdate reports whether the newest model state was
// trained with label-class autoupdate enabled. False when no state exists.
func (s *Store) LatestModelStateAutoupdate(ctx context.Context, project string) (bool, error) {
	query := `SELECT COALESCE(labelclass_autoupdate, FALSE) FROM ` + rel(project, "cnnstate") + `
		ORDER BY timecreated DESC LIMIT 1;`

	var enabled bool
	err := s.pool.QueryRow(ctx, query).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: latest model state autoupdate: %w", err)
	}
	return enabled, nil
}

// AISettings is the writable AI-related slice of the central project row.
type AISettings struct {
	Enabled             bool
	ModelLibrary        string
	ModelSettings       []byte
	AlCriterionLibrary  string
	AlCriterionSettings []byte
	NumImagesAutotrain  int
	MinNumAnnoPerImage  int
	MaxNumImagesTrain   int
	MaxNumImagesInf     int
	MaxNumConcurrent    int
}

// UpdateAIModelSettings writes the AI settings of the project row.
func (s *Store) UpdateAIModelSettings(ctx context.Context, project string, set AISettings) error {
	query := `UPDATE ` + adminRel("project") + ` SET
		ai_model_enabled = $2,
		ai_model_library = NULLIF($3, ''),
		ai_model_settings = $4::jsonb,
		ai_alcriterion_library = NULLIF($5, ''),
		ai_alcriterion_settings = $6::jsonb,
		numimages_autotrain = $7,
		minnumannoperimage = $8,
		maxnumimages_train = $9,
		maxnumimages_inference = $10,
		max_num_concurrent_tasks = $11
		WHERE shortname = $1;`

	_, err := s.pool.Exec(ctx, query, project,
		set.Enabled, set.ModelLibrary, jsonOrNull(set.ModelSettings),
		set.AlCriterionLibrary, jsonOrNull(set.AlCriterionSettings),
		set.NumImagesAutotrain, set.MinNumAnnoPerImage,
		set.MaxNumImagesTrain, set.MaxNumImagesInf, set.MaxNumConcurrent)
	if err != nil {
		return fmt.Errorf("store: update ai settings for %q: %w", project, err)
	}
	return nil
}

// SetLabelclassAutoupdate toggles the project-level label-class autoadapt
// flag on the central project row.
func (s *Store) SetLabelclassAutoupdate(ctx context.Context, project string, enabled bool) error {
	query := `UPDATE ` + adminRel("project") + `
		SET labelclass_autoupdate = $2 WHERE shortname = $1;`
	if _, err := s.pool.Exec(ctx, query, project, enabled); err != nil {
		return fmt.Errorf("store: set labelclass autoupdate for %q: %w", project, err)
	}
	return nil
}

// GetLabelclassAutoupdate reads the project-level label-class autoadapt flag.
func (s *Store) GetLabelclassAutoupdate(ctx context.Context, project string) (bool, error) {
	query := `SELECT COALESCE(labelclass_autoupdate, FALSE) FROM ` + adminRel("project") + `
		WHERE shortname = $1;`

	var enabled bool
	err := s.pool.QueryRow(ctx, query, project).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("project %q: %w", project, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("store: labelclass autoupdate for %q: %w", project, err)
	}
	return enabled, nil
}

// EnsureHiddenBackgroundClass inserts the hidden "background" label class at
// index zero for segmentation projects that do not ignore unlabeled pixels.
// Idempotent: an existing hidden class at index zero is left alone.
func (s *Store) EnsureHiddenBackgroundClass(ctx context.Context, project string) error {
	labelclass := rel(project, "labelclass")
	query := `INSERT INTO ` + labelclass + ` (id, name, idx, hidden)
		SELECT gen_random_uuid(), 'background', 0, TRUE
		WHERE NOT EXISTS (
			SELECT 1 FROM ` + labelclass + ` WHERE idx = 0 AND hidden
		);`

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("store: ensure background class for %q: %w", project, err)
	}
	return nil
}
