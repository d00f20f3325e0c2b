package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgip-dev/pgip/internal/domain"
	"github.com/pgip-dev/pgip/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.PluginRepository = (*Repository)(nil)
	_ repository.RunRepository    = (*Repository)(nil)
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// InsertPlugin stores a published manifest. The primary key on
// (name, version) makes concurrent publishes linearizable: exactly one
// insert wins, the rest surface ErrConflict.
func (r *Repository) InsertPlugin(ctx context.Context, record *domain.PluginRecord) error {
	doc, err := json.Marshal(record.Manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	const query = `INSERT INTO plugins (name, version, summary, authors, tags, manifest, superseded, published_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.pool.Exec(ctx, query,
		record.Manifest.Name,
		record.Manifest.Version,
		record.Manifest.Summary,
		record.Manifest.Authors,
		record.Manifest.Tags,
		doc,
		record.Superseded,
		record.PublishedAt,
		record.Manifest.CreatedAt,
		record.Manifest.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

func scanPluginRow(row pgx.Row) (*domain.PluginRecord, error) {
	var (
		doc    []byte
		record domain.PluginRecord
	)
	if err := row.Scan(&doc, &record.Superseded, &record.PublishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(doc, &record.Manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &record, nil
}

// GetPlugin fetches one record by exact key.
func (r *Repository) GetPlugin(ctx context.Context, name, version string) (*domain.PluginRecord, error) {
	const query = `SELECT manifest, superseded, published_at FROM plugins WHERE name = $1 AND version = $2`
	return scanPluginRow(r.pool.QueryRow(ctx, query, name, version))
}

// ListPluginVersions returns all published versions of one plugin.
func (r *Repository) ListPluginVersions(ctx context.Context, name string) ([]domain.PluginRecord, error) {
	const query = `SELECT manifest, superseded, published_at FROM plugins WHERE name = $1 ORDER BY version`
	rows, err := r.pool.Query(ctx, query, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records, err := collectPlugins(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, repository.ErrNotFound
	}
	return records, nil
}

// ListPlugins returns records matching the filter, ordered by name.
func (r *Repository) ListPlugins(ctx context.Context, filter domain.PluginFilter) ([]domain.PluginRecord, error) {
	query := `SELECT manifest, superseded, published_at FROM plugins`
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if filter.Tag != "" {
		args = append(args, filter.Tag)
		clauses = append(clauses, fmt.Sprintf("$%d = ANY(tags)", len(args)))
	}
	if filter.Author != "" {
		args = append(args, filter.Author)
		clauses = append(clauses, fmt.Sprintf("$%d ILIKE ANY(authors)", len(args)))
	}
	if filter.Text != "" {
		args = append(args, "%"+filter.Text+"%")
		n := len(args)
		clauses = append(clauses, fmt.Sprintf("(name ILIKE $%d OR summary ILIKE $%d OR manifest->>'long_description' ILIKE $%d)", n, n, n))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY name ASC, version ASC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPlugins(rows)
}

func collectPlugins(rows pgx.Rows) ([]domain.PluginRecord, error) {
	records := make([]domain.PluginRecord, 0)
	for rows.Next() {
		var (
			doc    []byte
			record domain.PluginRecord
		)
		if err := rows.Scan(&doc, &record.Superseded, &record.PublishedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(doc, &record.Manifest); err != nil {
			return nil, fmt.Errorf("decode manifest: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// MarkSuperseded flags a published record. The manifest document
// itself is never touched.
func (r *Repository) MarkSuperseded(ctx context.Context, name, version string) error {
	const query = `UPDATE plugins SET superseded = TRUE WHERE name = $1 AND version = $2`
	tag, err := r.pool.Exec(ctx, query, name, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// InsertRun appends one sealed execution run to the audit trail.
func (r *Repository) InsertRun(ctx context.Context, run *domain.ExecutionRun) error {
	params, err := json.Marshal(run.ParameterValues)
	if err != nil {
		return fmt.Errorf("marshal parameter values: %w", err)
	}
	inputs, err := json.Marshal(run.InputArtifacts)
	if err != nil {
		return fmt.Errorf("marshal input artifacts: %w", err)
	}
	outputs, err := json.Marshal(run.OutputArtifacts)
	if err != nil {
		return fmt.Errorf("marshal output artifacts: %w", err)
	}
	const query = `INSERT INTO runs (run_id, plugin_name, plugin_version, state, reason, violations, started_at, finished_at, exit_code, parameter_values, input_artifacts, output_artifacts, log_location)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = r.pool.Exec(ctx, query,
		run.RunID,
		run.PluginName,
		run.PluginVersion,
		string(run.State),
		run.Reason,
		run.Violations,
		run.StartedAt,
		run.FinishedAt,
		run.ExitCode,
		params,
		inputs,
		outputs,
		run.LogLocation,
	)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

const runColumns = `run_id, plugin_name, plugin_version, state, reason, violations, started_at, finished_at, exit_code, parameter_values, input_artifacts, output_artifacts, log_location`

// ListRunsByPlugin returns runs for a plugin ordered by started_at descending.
func (r *Repository) ListRunsByPlugin(ctx context.Context, name, version string, limit int) ([]domain.ExecutionRun, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE plugin_name = $1`
	args := []any{name}
	if version != "" {
		args = append(args, version)
		query += fmt.Sprintf(" AND plugin_version = $%d", len(args))
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListRecentRuns returns the most recent runs across all plugins.
func (r *Repository) ListRecentRuns(ctx context.Context, limit int) ([]domain.ExecutionRun, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

func collectRuns(rows pgx.Rows) ([]domain.ExecutionRun, error) {
	runs := make([]domain.ExecutionRun, 0)
	for rows.Next() {
		var (
			run     domain.ExecutionRun
			state   string
			params  []byte
			inputs  []byte
			outputs []byte
		)
		if err := rows.Scan(
			&run.RunID,
			&run.PluginName,
			&run.PluginVersion,
			&state,
			&run.Reason,
			&run.Violations,
			&run.StartedAt,
			&run.FinishedAt,
			&run.ExitCode,
			&params,
			&inputs,
			&outputs,
			&run.LogLocation,
		); err != nil {
			return nil, err
		}
		run.State = domain.RunState(state)
		if len(params) > 0 {
			if err := json.Unmarshal(params, &run.ParameterValues); err != nil {
				return nil, fmt.Errorf("decode parameter values: %w", err)
			}
		}
		if len(inputs) > 0 {
			if err := json.Unmarshal(inputs, &run.InputArtifacts); err != nil {
				return nil, fmt.Errorf("decode input artifacts: %w", err)
			}
		}
		if len(outputs) > 0 {
			if err := json.Unmarshal(outputs, &run.OutputArtifacts); err != nil {
				return nil, fmt.Errorf("decode output artifacts: %w", err)
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
