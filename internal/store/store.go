// Package store provides Postgres-backed persistence for the orchestration
// core. Every project owns a schema of the same name; all queries build
// schema-qualified identifiers with pgx.Identifier, never by string
// formatting of untrusted input.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antigravity-dev/labelforge/internal/workflow"
)

// adminSchema is the central schema holding one row per project.
const adminSchema = "aide_admin"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects a pool and verifies the connection.
func Open(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// rel returns the sanitized schema-qualified name for a project table.
func rel(project, table string) string {
	return pgx.Identifier{project, table}.Sanitize()
}

func adminRel(table string) string {
	return pgx.Identifier{adminSchema, table}.Sanitize()
}

// Project is the central per-project row the core reads.
type Project struct {
	Shortname                   string
	AnnotationType              string
	PredictionType              string
	AIModelEnabled              bool
	AIModelLibrary              string
	AIModelSettings             []byte
	AlCriterionLibrary          string
	AlCriterionSettings         []byte
	NumImagesAutotrain          int
	MinNumAnnoPerImage          int
	MaxNumImagesTrain           int
	MaxNumImagesInference       int
	MaxNumConcurrentTasks       int
	DefaultWorkflow             *string
	SegmentationIgnoreUnlabeled bool
}

// AutoTrainingEnabled reports whether the watchdog may launch workflows for
// this project.
func (p *Project) AutoTrainingEnabled() bool {
	return p.AIModelEnabled && p.NumImagesAutotrain > 0
}

const projectColumns = `shortname, annotationtype, predictiontype,
	ai_model_enabled, COALESCE(ai_model_library, ''), COALESCE(ai_model_settings, '{}'::jsonb),
	COALESCE(ai_alcriterion_library, ''), COALESCE(ai_alcriterion_settings, '{}'::jsonb),
	COALESCE(numimages_autotrain, 0), COALESCE(minnumannoperimage, 0),
	COALESCE(maxnumimages_train, 0), COALESCE(maxnumimages_inference, 0),
	COALESCE(max_num_concurrent_tasks, 0), default_workflow::text,
	COALESCE(segmentation_ignore_unlabeled, TRUE)`

// GetProject loads the central project row.
func (s *Store) GetProject(ctx context.Context, shortname string) (*Project, error) {
	query := `SELECT ` + projectColumns + ` FROM ` + adminRel("project") + ` WHERE shortname = $1;`

	var p Project
	err := s.pool.QueryRow(ctx, query, shortname).Scan(
		&p.Shortname,
		&p.AnnotationType,
		&p.PredictionType,
		&p.AIModelEnabled,
		&p.AIModelLibrary,
		&p.AIModelSettings,
		&p.AlCriterionLibrary,
		&p.AlCriterionSettings,
		&p.NumImagesAutotrain,
		&p.MinNumAnnoPerImage,
		&p.MaxNumImagesTrain,
		&p.MaxNumImagesInference,
		&p.MaxNumConcurrentTasks,
		&p.DefaultWorkflow,
		&p.SegmentationIgnoreUnlabeled,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("project %q: %w", shortname, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get project %q: %w", shortname, err)
	}
	return &p, nil
}

// CompilerDefaults implements workflow.DefaultsSource.
func (s *Store) CompilerDefaults(ctx context.Context, project string) (workflow.ProjectDefaults, error) {
	p, err := s.GetProject(ctx, project)
	if err != nil {
		return workflow.ProjectDefaults{}, err
	}
	return workflow.ProjectDefaults{
		MinAnnoPerImage:       p.MinNumAnnoPerImage,
		MaxNumImagesTrain:     p.MaxNumImagesTrain,
		MaxNumImagesInference: p.MaxNumImagesInference,
		ModelLibrary:          p.AIModelLibrary,
	}, nil
}

// HasWorkflowHistoryTable probes whether the project schema still exists.
// The annotation watchdog uses this to self-terminate after project deletion.
func (s *Store) HasWorkflowHistoryTable(ctx context.Context, project string) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = $1 AND table_name = 'workflowhistory'
	);`

	var exists bool
	if err := s.pool.QueryRow(ctx, query, project).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: probe project %q: %w", project, err)
	}
	return exists, nil
}

// AnnotatedImageCount counts images eligible to trigger auto-training:
// viewed since the given timestamp, not corrupt, and carrying at least
// minAnno annotations when minAnno is positive.
func (s *Store) AnnotatedImageCount(ctx context.Context, project string, since time.Time, minAnno int) (int, error) {
	image := rel(project, "image")
	imageUser := rel(project, "image_user")
	annotation := rel(project, "annotation")

	query := `SELECT COUNT(*) FROM (
		SELECT iu.image FROM ` + imageUser + ` AS iu
		JOIN ` + image + ` AS img ON img.id = iu.image
		WHERE iu.last_checked > $1
		  AND NOT COALESCE(img.corrupt, FALSE)
		GROUP BY iu.image
	) AS viewed`
	args := []any{since}

	if minAnno > 0 {
		query = `SELECT COUNT(*) FROM (
			SELECT iu.image FROM ` + imageUser + ` AS iu
			JOIN ` + image + ` AS img ON img.id = iu.image
			JOIN ` + annotation + ` AS anno ON anno.image = iu.image
			WHERE iu.last_checked > $1
			  AND NOT COALESCE(img.corrupt, FALSE)
			GROUP BY iu.image
			HAVING COUNT(anno.id) >= $2
		) AS viewed`
		args = append(args, minAnno)
	}

	var count int
	if err := s.pool.QueryRow(ctx, query+";", args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count annotated images for %q: %w", project, err)
	}
	return count, nil
}
