package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/kmorrow/rivalscope/internal/evidence"
)

var ErrNotFound = errors.New("not found")

type Project struct {
	ID             string    `db:"project_id" json:"project_id"`
	Name           string    `db:"name" json:"name"`
	Market         string    `db:"market" json:"market"`
	TargetCustomer string    `db:"target_customer" json:"target_customer"`
	YourProduct    string    `db:"your_product" json:"your_product"`
	BusinessGoal   string    `db:"business_goal" json:"business_goal"`
	Geography      string    `db:"geography" json:"geography"`
	CreatedAt      time.Time `db:"-" json:"created_at"`
}

type Competitor struct {
	ID        string    `db:"competitor_id" json:"competitor_id"`
	ProjectID string    `db:"project_id" json:"project_id"`
	Name      string    `db:"name" json:"name"`
	Website   string    `db:"website" json:"website"`
	CreatedAt time.Time `db:"-" json:"created_at"`
}

// Artifact is one immutable versioned JSON document. Rows are create-only:
// new runs append, nothing is ever updated in place, and "latest" is a
// read-time sort.
type Artifact struct {
	ID            string    `json:"artifact_id"`
	ProjectID     string    `json:"project_id"`
	RunID         string    `json:"run_id"`
	Type          string    `json:"type"`
	SchemaVersion string    `json:"schema_version"`
	ContentJSON   string    `json:"content_json"`
	CreatedAt     time.Time `json:"created_at"`
}

type Store struct {
	db *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	project_id      TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	market          TEXT NOT NULL DEFAULT '',
	target_customer TEXT NOT NULL DEFAULT '',
	your_product    TEXT NOT NULL DEFAULT '',
	business_goal   TEXT NOT NULL DEFAULT '',
	geography       TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS competitors (
	competitor_id TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL,
	name          TEXT NOT NULL,
	website       TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS evidence_items (
	evidence_id  TEXT PRIMARY KEY,
	project_id   TEXT NOT NULL,
	source_type  TEXT NOT NULL,
	url          TEXT NOT NULL,
	snippet      TEXT NOT NULL DEFAULT '',
	title        TEXT NOT NULL DEFAULT '',
	retrieved_at TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id    TEXT PRIMARY KEY,
	project_id     TEXT NOT NULL,
	run_id         TEXT NOT NULL DEFAULT '',
	type           TEXT NOT NULL,
	schema_version TEXT NOT NULL DEFAULT '',
	content_json   TEXT NOT NULL,
	created_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_artifacts_project_type ON artifacts (project_id, type, created_at);
CREATE INDEX IF NOT EXISTS idx_evidence_project ON evidence_items (project_id, created_at);
`

func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateProject(ctx context.Context, p Project) (Project, error) {
	if p.ID == "" {
		p.ID = "proj-" + uuid.NewString()
	}
	p.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO projects
		(project_id, name, market, target_customer, your_product, business_goal, geography, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Market, p.TargetCustomer, p.YourProduct, p.BusinessGoal, p.Geography, timeToString(p.CreatedAt))
	if err != nil {
		return Project{}, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

func (s *Store) GetProject(ctx context.Context, projectID string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT project_id, name, market, target_customer, your_product, business_goal, geography, created_at
		FROM projects WHERE project_id = ?`, projectID)
	var p Project
	var createdAt string
	if err := row.Scan(&p.ID, &p.Name, &p.Market, &p.TargetCustomer, &p.YourProduct, &p.BusinessGoal, &p.Geography, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, err
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return p, nil
}

func (s *Store) CreateCompetitor(ctx context.Context, c Competitor) (Competitor, error) {
	if c.ID == "" {
		c.ID = "comp-" + uuid.NewString()
	}
	c.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO competitors (competitor_id, project_id, name, website, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.ProjectID, c.Name, c.Website, timeToString(c.CreatedAt))
	if err != nil {
		return Competitor{}, fmt.Errorf("create competitor: %w", err)
	}
	return c, nil
}

func (s *Store) ListCompetitors(ctx context.Context, projectID string) ([]Competitor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT competitor_id, project_id, name, website, created_at
		FROM competitors WHERE project_id = ? ORDER BY created_at, competitor_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Competitor
	for rows.Next() {
		var c Competitor
		var createdAt string
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Name, &c.Website, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) AddEvidenceItem(ctx context.Context, projectID string, it evidence.Item) (evidence.Item, error) {
	if it.ID == "" {
		it.ID = "ev-" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO evidence_items
		(evidence_id, project_id, source_type, url, snippet, title, retrieved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, projectID, string(it.Type), it.URL, it.Snippet, it.Title, it.RetrievedAt, timeToString(time.Now().UTC()))
	if err != nil {
		return evidence.Item{}, fmt.Errorf("add evidence item: %w", err)
	}
	return it, nil
}

// ListEvidenceItems returns the project's pool in insertion order. The
// selector's determinism depends on this ordering being stable.
func (s *Store) ListEvidenceItems(ctx context.Context, projectID string) ([]evidence.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT evidence_id, source_type, url, snippet, title, retrieved_at
		FROM evidence_items WHERE project_id = ? ORDER BY created_at, evidence_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []evidence.Item
	for rows.Next() {
		var it evidence.Item
		var st string
		if err := rows.Scan(&it.ID, &st, &it.URL, &it.Snippet, &it.Title, &it.RetrievedAt); err != nil {
			return nil, err
		}
		it.Type = evidence.SourceType(st)
		out = append(out, it)
	}
	return out, rows.Err()
}

// CreateArtifact persists one document. Create-only: artifact ids are
// always fresh and rows are never updated.
func (s *Store) CreateArtifact(ctx context.Context, a Artifact) (Artifact, error) {
	created, err := s.CreateArtifacts(ctx, []Artifact{a})
	if err != nil {
		return Artifact{}, err
	}
	return created[0], nil
}

// CreateArtifacts persists a batch inside one transaction: either every
// document lands or none do. The pipeline saves its four artifacts per
// run through this so a mid-save failure cannot leave a partial run.
func (s *Store) CreateArtifacts(ctx context.Context, batch []Artifact) ([]Artifact, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin artifact batch: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	out := make([]Artifact, 0, len(batch))
	for _, a := range batch {
		if a.ID == "" {
			a.ID = "art-" + uuid.NewString()
		}
		a.CreatedAt = now
		if !json.Valid([]byte(a.ContentJSON)) {
			return nil, fmt.Errorf("artifact %s content is not valid JSON", a.Type)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO artifacts
			(artifact_id, project_id, run_id, type, schema_version, content_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.ProjectID, a.RunID, a.Type, a.SchemaVersion, a.ContentJSON, timeToString(a.CreatedAt)); err != nil {
			return nil, fmt.Errorf("create artifact %s: %w", a.Type, err)
		}
		out = append(out, a)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit artifact batch: %w", err)
	}
	return out, nil
}

// ListArtifacts returns a project's artifacts newest-first, breaking
// creation-time ties by higher schema version.
func (s *Store) ListArtifacts(ctx context.Context, projectID string) ([]Artifact, error) {
	return s.queryArtifacts(ctx, `SELECT artifact_id, project_id, run_id, type, schema_version, content_json, created_at
		FROM artifacts WHERE project_id = ?
		ORDER BY created_at DESC, schema_version DESC, artifact_id DESC`, projectID)
}

// LatestArtifact resolves the newest artifact of a type, preferring
// higher schema_version when creation times tie.
func (s *Store) LatestArtifact(ctx context.Context, projectID, artifactType string) (Artifact, error) {
	list, err := s.queryArtifacts(ctx, `SELECT artifact_id, project_id, run_id, type, schema_version, content_json, created_at
		FROM artifacts WHERE project_id = ? AND type = ?
		ORDER BY created_at DESC, schema_version DESC, artifact_id DESC LIMIT 1`, projectID, artifactType)
	if err != nil {
		return Artifact{}, err
	}
	if len(list) == 0 {
		return Artifact{}, ErrNotFound
	}
	return list[0], nil
}

func (s *Store) GetArtifact(ctx context.Context, artifactID string) (Artifact, error) {
	list, err := s.queryArtifacts(ctx, `SELECT artifact_id, project_id, run_id, type, schema_version, content_json, created_at
		FROM artifacts WHERE artifact_id = ?`, artifactID)
	if err != nil {
		return Artifact{}, err
	}
	if len(list) == 0 {
		return Artifact{}, ErrNotFound
	}
	return list[0], nil
}

func (s *Store) queryArtifacts(ctx context.Context, query string, args ...any) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Artifact
	for rows.Next() {
		var a Artifact
		var createdAt string
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.RunID, &a.Type, &a.SchemaVersion, &a.ContentJSON, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func timeToString(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
