// Package sqlitestore persists capabilities, aliases, dependencies, and
// reliability stats in a SQLite database, matching spec §6's "Capabilities
// store (relational)" table list. Grounded on liuprestin-relurpify's
// framework/ast.SQLiteStore: a single *sql.DB, schema created with
// CREATE TABLE IF NOT EXISTS, upserts via ON CONFLICT, and hand-written
// scan helpers rather than an ORM.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/pmlerrors"
)

// Store is a SQLite-backed capability.Store.
type Store struct {
	db *sql.DB
}

var _ capability.Store = (*Store)(nil)

// New opens (and migrates) the database at dbPath. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS capability_records (
		fqdn TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		record_type TEXT NOT NULL,
		org TEXT NOT NULL,
		project TEXT NOT NULL,
		code TEXT NOT NULL,
		input_schema TEXT,
		output_schema TEXT,
		static_structure TEXT,
		tools_used TEXT,
		routing TEXT NOT NULL,
		routing_explicit BOOLEAN,
		permission_set TEXT NOT NULL,
		permission_confidence REAL,
		visibility TEXT NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		total_latency_ms INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		version_tag TEXT,
		created_by TEXT,
		updated_by TEXT,
		created_at TIMESTAMP,
		updated_at TIMESTAMP,
		content_hash TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS capability_aliases (
		alias TEXT NOT NULL,
		org TEXT NOT NULL,
		project TEXT NOT NULL,
		target_fqdn TEXT NOT NULL,
		created_at TIMESTAMP,
		PRIMARY KEY(alias, org, project),
		FOREIGN KEY(target_fqdn) REFERENCES capability_records(fqdn) ON DELETE CASCADE
	);
	CREATE TABLE IF NOT EXISTS capability_versions (
		org TEXT NOT NULL,
		project TEXT NOT NULL,
		name TEXT NOT NULL,
		fqdn TEXT NOT NULL,
		version INTEGER NOT NULL,
		PRIMARY KEY(org, project, name, version)
	);
	CREATE TABLE IF NOT EXISTS capability_dependencies (
		from_fqdn TEXT NOT NULL,
		to_fqdn TEXT NOT NULL,
		edge_type TEXT NOT NULL,
		PRIMARY KEY(from_fqdn, to_fqdn, edge_type)
	);
	CREATE TABLE IF NOT EXISTS tool_usage (
		tool TEXT NOT NULL,
		fqdn TEXT NOT NULL,
		used_at TIMESTAMP,
		PRIMARY KEY(tool, fqdn, used_at)
	);
	CREATE TABLE IF NOT EXISTS permission_audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fqdn TEXT NOT NULL,
		permission_set TEXT NOT NULL,
		confidence REAL,
		detected_patterns TEXT,
		recorded_at TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) UpsertCapability(ctx context.Context, cap *capability.Capability) (capability.FQDN, error) {
	hash := capability.HashSuffix(cap.Code)

	var existingFQDN string
	err := s.db.QueryRowContext(ctx,
		`SELECT fqdn FROM capability_records WHERE org = ? AND project = ? AND content_hash = ?`,
		cap.Org, cap.Project, hash,
	).Scan(&existingFQDN)
	switch {
	case err == nil:
		if _, execErr := s.db.ExecContext(ctx,
			`UPDATE capability_records SET usage_count = usage_count + 1, updated_at = ? WHERE fqdn = ?`,
			time.Now(), existingFQDN); execErr != nil {
			return "", execErr
		}
		return capability.FQDN(existingFQDN), nil
	case err != sql.ErrNoRows:
		return "", err
	}

	if cap.FQDN == "" {
		ns, action := splitDisplayName(cap.DisplayName)
		cap.FQDN = capability.NewFQDN(cap.Org, cap.Project, ns, action, cap.Code)
	}
	if cap.CreatedAt.IsZero() {
		cap.CreatedAt = time.Now()
	}
	cap.UpdatedAt = cap.CreatedAt
	cap.Stats.UsageCount = 1
	cap.Stats.SuccessCount = 1

	// A row already sharing (org, project, display_name) under a different
	// fqdn is the prior version of this same named capability (spec §3:
	// "(org,project,displayName) unique per version"), not a collision:
	// capability_records keeps one row per version so History's join can
	// still read every historical fqdn, and nextVersion numbers this one.
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM capability_versions WHERE org=? AND project=? AND name=?`,
		cap.Org, cap.Project, cap.DisplayName,
	).Scan(&cap.Version); err != nil {
		return "", err
	}

	structJSON, err := json.Marshal(cap.StaticStruct)
	if err != nil {
		return "", err
	}
	toolsJSON, err := json.Marshal(cap.ToolsUsed)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO capability_records (
			fqdn, display_name, record_type, org, project, code, input_schema, output_schema,
			static_structure, tools_used, routing, routing_explicit, permission_set,
			permission_confidence, visibility, usage_count, success_count, total_latency_ms,
			version, version_tag, created_by, updated_by, created_at, updated_at, content_hash
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		cap.FQDN, cap.DisplayName, cap.RecordType, cap.Org, cap.Project, cap.Code,
		cap.InputSchema, cap.OutputSchema, structJSON, toolsJSON, cap.Routing, cap.RoutingExplicit,
		cap.PermissionSet, cap.PermissionConf, cap.Visibility, cap.Stats.UsageCount, cap.Stats.SuccessCount,
		cap.Stats.TotalLatencyMs, cap.Version, cap.VersionTag, cap.CreatedBy, cap.UpdatedBy,
		cap.CreatedAt, cap.UpdatedAt, hash,
	)
	if err != nil {
		return "", err
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO capability_versions (org, project, name, fqdn, version) VALUES (?,?,?,?,?)`,
		cap.Org, cap.Project, cap.DisplayName, cap.FQDN, cap.Version,
	); err != nil {
		return "", err
	}
	return cap.FQDN, nil
}

func splitDisplayName(displayName string) (namespace, action string) {
	if i := strings.Index(displayName, ":"); i >= 0 {
		return displayName[:i], displayName[i+1:]
	}
	return "default", displayName
}

func (s *Store) Lookup(ctx context.Context, name string, scope capability.Scope) (*capability.Capability, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fqdn FROM capability_records WHERE org=? AND project=? AND display_name=? ORDER BY version DESC LIMIT 1`,
		scope.Org, scope.Project, name)
	var fqdn string
	switch err := row.Scan(&fqdn); {
	case err == sql.ErrNoRows:
		// fall through to alias resolution
	case err != nil:
		return nil, err
	default:
		return s.GetByFQDN(ctx, capability.FQDN(fqdn))
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT target_fqdn FROM capability_aliases WHERE org=? AND project=? AND alias=?`,
		scope.Org, scope.Project, name)
	switch err := row.Scan(&fqdn); {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, err
	default:
		return s.GetByFQDN(ctx, capability.FQDN(fqdn))
	}
}

func (s *Store) GetByFQDN(ctx context.Context, fqdn capability.FQDN) (*capability.Capability, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		fqdn, display_name, record_type, org, project, code, input_schema, output_schema,
		static_structure, tools_used, routing, routing_explicit, permission_set,
		permission_confidence, visibility, usage_count, success_count, total_latency_ms,
		version, version_tag, created_by, updated_by, created_at, updated_at
		FROM capability_records WHERE fqdn = ?`, fqdn)
	return scanCapability(row)
}

func scanCapability(row *sql.Row) (*capability.Capability, error) {
	c := &capability.Capability{}
	var structJSON, toolsJSON sql.NullString
	err := row.Scan(
		&c.FQDN, &c.DisplayName, &c.RecordType, &c.Org, &c.Project, &c.Code, &c.InputSchema, &c.OutputSchema,
		&structJSON, &toolsJSON, &c.Routing, &c.RoutingExplicit, &c.PermissionSet,
		&c.PermissionConf, &c.Visibility, &c.Stats.UsageCount, &c.Stats.SuccessCount, &c.Stats.TotalLatencyMs,
		&c.Version, &c.VersionTag, &c.CreatedBy, &c.UpdatedBy, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if structJSON.Valid && structJSON.String != "" {
		_ = json.Unmarshal([]byte(structJSON.String), &c.StaticStruct)
	}
	if toolsJSON.Valid && toolsJSON.String != "" {
		_ = json.Unmarshal([]byte(toolsJSON.String), &c.ToolsUsed)
	}
	return c, nil
}

func (s *Store) Rename(ctx context.Context, fqdn capability.FQDN, newDisplayName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var org, project, oldName string
	if err := tx.QueryRowContext(ctx,
		`SELECT org, project, display_name FROM capability_records WHERE fqdn = ?`, fqdn,
	).Scan(&org, &project, &oldName); err != nil {
		if err == sql.ErrNoRows {
			return pmlerrors.Newf(pmlerrors.KindInternalError, "capability %s not found", fqdn)
		}
		return err
	}

	// Unlike UpsertCapability's same-lineage version bump, a rename target
	// already in use by a different fqdn is a genuine collision: renaming
	// never shares a lineage with whatever already holds newDisplayName.
	var collidingFQDN string
	switch err := tx.QueryRowContext(ctx,
		`SELECT fqdn FROM capability_records WHERE org=? AND project=? AND display_name=? AND fqdn != ? LIMIT 1`,
		org, project, newDisplayName, fqdn,
	).Scan(&collidingFQDN); {
	case err == nil:
		return capability.ErrNameCollision(org, project, newDisplayName)
	case err != sql.ErrNoRows:
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE capability_records SET display_name = ?, updated_at = ? WHERE fqdn = ?`,
		newDisplayName, time.Now(), fqdn,
	); err != nil {
		return err
	}

	// Append-only alias for the old name (spec §4.2 Rename). Any alias row
	// that already pointed at fqdn under a different historical name is left
	// untouched; aliases never chain onto other aliases.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO capability_aliases (alias, org, project, target_fqdn, created_at) VALUES (?,?,?,?,?)`,
		oldName, org, project, fqdn, time.Now(),
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) AddDependency(ctx context.Context, dep capability.Dependency) error {
	if dep.EdgeType == capability.EdgeDependency {
		cyclic, err := s.wouldCycle(ctx, dep.FromFQDN, dep.ToFQDN)
		if err != nil {
			return err
		}
		if cyclic {
			return capability.ErrReplanRejected(fmt.Sprintf("dependency %s -> %s would create a cycle", dep.FromFQDN, dep.ToFQDN))
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO capability_dependencies (from_fqdn, to_fqdn, edge_type) VALUES (?,?,?)`,
		dep.FromFQDN, dep.ToFQDN, dep.EdgeType,
	)
	return err
}

func (s *Store) wouldCycle(ctx context.Context, from, to capability.FQDN) (bool, error) {
	if from == to {
		return true, nil
	}
	visited := map[capability.FQDN]bool{}
	var dfs func(capability.FQDN) (bool, error)
	dfs = func(node capability.FQDN) (bool, error) {
		if node == from {
			return true, nil
		}
		if visited[node] {
			return false, nil
		}
		visited[node] = true
		rows, err := s.db.QueryContext(ctx,
			`SELECT to_fqdn FROM capability_dependencies WHERE from_fqdn = ? AND edge_type = ?`,
			node, capability.EdgeDependency)
		if err != nil {
			return false, err
		}
		defer rows.Close()
		var next []capability.FQDN
		for rows.Next() {
			var n string
			if err := rows.Scan(&n); err != nil {
				return false, err
			}
			next = append(next, capability.FQDN(n))
		}
		for _, n := range next {
			hit, err := dfs(n)
			if err != nil {
				return false, err
			}
			if hit {
				return true, nil
			}
		}
		return false, nil
	}
	return dfs(to)
}

func (s *Store) Dependencies(ctx context.Context, fqdn capability.FQDN) ([]capability.Dependency, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_fqdn, to_fqdn, edge_type FROM capability_dependencies WHERE from_fqdn = ?`, fqdn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []capability.Dependency
	for rows.Next() {
		var d capability.Dependency
		if err := rows.Scan(&d.FromFQDN, &d.ToFQDN, &d.EdgeType); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) Aliases(ctx context.Context, fqdn capability.FQDN) ([]capability.Alias, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT alias, org, project, target_fqdn, created_at FROM capability_aliases WHERE target_fqdn = ?`, fqdn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []capability.Alias
	for rows.Next() {
		var a capability.Alias
		if err := rows.Scan(&a.Alias, &a.Org, &a.Project, &a.TargetFQDN, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) RecordExecution(ctx context.Context, fqdn capability.FQDN, success bool, durationMs int64) error {
	inc := 0
	if success {
		inc = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE capability_records SET usage_count = usage_count + 1, success_count = success_count + ?,
		 total_latency_ms = total_latency_ms + ?, updated_at = ? WHERE fqdn = ?`,
		inc, durationMs, time.Now(), fqdn,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return pmlerrors.Newf(pmlerrors.KindInternalError, "capability %s not found", fqdn)
	}
	return nil
}

func (s *Store) ComputeSuccessRate(ctx context.Context, fqdn capability.FQDN) (float64, error) {
	var usage, successC int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT usage_count, success_count FROM capability_records WHERE fqdn = ?`, fqdn,
	).Scan(&usage, &successC); err != nil {
		if err == sql.ErrNoRows {
			return 0, pmlerrors.Newf(pmlerrors.KindInternalError, "capability %s not found", fqdn)
		}
		return 0, err
	}
	if usage < 3 {
		return 0.5, nil
	}
	return float64(successC) / float64(usage), nil
}

func (s *Store) Search(ctx context.Context, intent string, filter capability.SearchFilter) ([]*capability.Capability, error) {
	query := `SELECT
		fqdn, display_name, record_type, org, project, code, input_schema, output_schema,
		static_structure, tools_used, routing, routing_explicit, permission_set,
		permission_confidence, visibility, usage_count, success_count, total_latency_ms,
		version, version_tag, created_by, updated_by, created_at, updated_at
		FROM capability_records WHERE display_name LIKE ?`
	args := []any{"%" + intent + "%"}
	if len(filter.Visibility) > 0 {
		placeholders := make([]string, len(filter.Visibility))
		for i, v := range filter.Visibility {
			placeholders[i] = "?"
			args = append(args, v)
		}
		query += " AND visibility IN (" + strings.Join(placeholders, ",") + ")"
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCapabilities(rows)
}

func (s *Store) List(ctx context.Context, scope capability.Scope, pattern string, limit, offset int) ([]*capability.Capability, error) {
	query := `SELECT
		fqdn, display_name, record_type, org, project, code, input_schema, output_schema,
		static_structure, tools_used, routing, routing_explicit, permission_set,
		permission_confidence, visibility, usage_count, success_count, total_latency_ms,
		version, version_tag, created_by, updated_by, created_at, updated_at
		FROM capability_records WHERE org = ? AND project = ?`
	args := []any{scope.Org, scope.Project}
	if pattern != "" {
		query += " AND display_name LIKE ?"
		args = append(args, strings.ReplaceAll(pattern, "*", "%"))
	}
	query += " ORDER BY display_name"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCapabilities(rows)
}

func (s *Store) History(ctx context.Context, scope capability.Scope, name string) ([]*capability.Capability, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cr.fqdn, cr.display_name, cr.record_type, cr.org, cr.project, cr.code, cr.input_schema,
		cr.output_schema, cr.static_structure, cr.tools_used, cr.routing, cr.routing_explicit,
		cr.permission_set, cr.permission_confidence, cr.visibility, cr.usage_count, cr.success_count,
		cr.total_latency_ms, cr.version, cr.version_tag, cr.created_by, cr.updated_by, cr.created_at, cr.updated_at
		FROM capability_versions cv JOIN capability_records cr ON cr.fqdn = cv.fqdn
		WHERE cv.org = ? AND cv.project = ? AND cv.name = ? ORDER BY cv.version`,
		scope.Org, scope.Project, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCapabilities(rows)
}

func scanCapabilities(rows *sql.Rows) ([]*capability.Capability, error) {
	var out []*capability.Capability
	for rows.Next() {
		c := &capability.Capability{}
		var structJSON, toolsJSON sql.NullString
		if err := rows.Scan(
			&c.FQDN, &c.DisplayName, &c.RecordType, &c.Org, &c.Project, &c.Code, &c.InputSchema, &c.OutputSchema,
			&structJSON, &toolsJSON, &c.Routing, &c.RoutingExplicit, &c.PermissionSet,
			&c.PermissionConf, &c.Visibility, &c.Stats.UsageCount, &c.Stats.SuccessCount, &c.Stats.TotalLatencyMs,
			&c.Version, &c.VersionTag, &c.CreatedBy, &c.UpdatedBy, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if structJSON.Valid && structJSON.String != "" {
			_ = json.Unmarshal([]byte(structJSON.String), &c.StaticStruct)
		}
		if toolsJSON.Valid && toolsJSON.String != "" {
			_ = json.Unmarshal([]byte(toolsJSON.String), &c.ToolsUsed)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
