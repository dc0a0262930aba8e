package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const projectColumns = `id, title, summary, description, url, repo_url, image_url, tags, published, position, created_at, updated_at`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (Project, error) {
	var p Project
	var tags []byte
	if err := row.Scan(&p.ID, &p.Title, &p.Summary, &p.Description, &p.URL, &p.RepoURL, &p.ImageURL, &tags, &p.Published, &p.Position, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Project{}, err
	}

	p.Tags = []string{}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &p.Tags); err != nil {
			return Project{}, fmt.Errorf("decode project tags: %w", err)
		}
	}

	return p, nil
}

func (r *Repository) ListPublished(ctx context.Context) ([]Project, error) {
	return r.list(ctx, `SELECT `+projectColumns+` FROM projects WHERE published ORDER BY position ASC, created_at DESC`)
}

func (r *Repository) ListAll(ctx context.Context) ([]Project, error) {
	return r.list(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY position ASC, created_at DESC`)
}

func (r *Repository) list(ctx context.Context, query string) ([]Project, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	projects := make([]Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}

	return projects, nil
}

func (r *Repository) Create(ctx context.Context, input ProjectInput) (Project, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Project{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	tags, err := json.Marshal(input.Tags)
	if err != nil {
		return Project{}, fmt.Errorf("encode project tags: %w", err)
	}

	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO projects (id, title, summary, description, url, repo_url, image_url, tags, published, position, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, (SELECT COALESCE(MAX(position) + 1, 0) FROM projects), $10, $10)
		RETURNING `+projectColumns,
		id.String(), input.Title, input.Summary, input.Description, input.URL, input.RepoURL, input.ImageURL, tags, input.Published, now)

	p, err := scanProject(row)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}

	return p, nil
}

func (r *Repository) Update(ctx context.Context, id string, input ProjectInput) (Project, error) {
	tags, err := json.Marshal(input.Tags)
	if err != nil {
		return Project{}, fmt.Errorf("encode project tags: %w", err)
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE projects
		SET title = $2, summary = $3, description = $4, url = $5, repo_url = $6, image_url = $7, tags = $8, published = $9, updated_at = $10
		WHERE id = $1
		RETURNING `+projectColumns,
		id, input.Title, input.Summary, input.Description, input.URL, input.RepoURL, input.ImageURL, tags, input.Published, time.Now().UTC())

	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, fmt.Errorf("update project: %w", err)
	}

	return p, nil
}

func (r *Repository) SetPublished(ctx context.Context, id string, published bool) (Project, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE projects
		SET published = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+projectColumns,
		id, published, time.Now().UTC())

	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, fmt.Errorf("set project published: %w", err)
	}

	return p, nil
}

// Reorder assigns positions in the order of ids. Every id must exist.
func (r *Repository) Reorder(ctx context.Context, ids []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for position, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE projects SET position = $2, updated_at = $3 WHERE id = $1`, id, position, now)
		if err != nil {
			return fmt.Errorf("reorder project %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder: %w", err)
	}

	return nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}
