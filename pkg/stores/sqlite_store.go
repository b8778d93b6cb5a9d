package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultProfile is used when no profile is configured.
const DefaultProfile = "default"

// SQLiteStore keeps every saved snapshot as a revision, scoped by profile.
// Get returns the newest revision of the profile.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	profile string
	keep    int
	cfg     Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	Profile         string
	Keep            int // revisions kept per profile after each Put, 0 keeps all
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.Keep < 0 {
		return nil, fmt.Errorf("keep must not be negative")
	}

	// Set defaults
	if cfg.Profile == "" {
		cfg.Profile = DefaultProfile
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path:    cfg.Path,
		profile: cfg.Profile,
		keep:    cfg.Keep,
		cfg:     cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if s.path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
		db.SetMaxIdleConns(s.cfg.MaxIdleConns)
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Profile returns the profile this store reads and writes.
func (s *SQLiteStore) Profile() string {
	return s.profile
}

// Get returns the newest snapshot of the profile.
func (s *SQLiteStore) Get(ctx context.Context) ([]byte, error) {
	query := `
		SELECT data
		FROM config_snapshots
		WHERE profile = ?
		ORDER BY seq DESC
		LIMIT 1
	`

	var data string
	err := s.db.QueryRowContext(ctx, query, s.profile).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}

	return []byte(data), nil
}

// Put appends a new revision and prunes old ones when Keep is set.
func (s *SQLiteStore) Put(ctx context.Context, data []byte) error {
	_, err := s.PutRevision(ctx, data)
	return err
}

// PutRevision appends a new revision and returns it.
func (s *SQLiteStore) PutRevision(ctx context.Context, data []byte) (*Revision, error) {
	rev := &Revision{
		ID:        uuid.NewString(),
		Profile:   s.profile,
		Data:      data,
		Size:      len(data),
		CreatedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO config_snapshots (id, profile, data, created_at)
		VALUES (?, ?, ?, ?)
	`

	if _, err := s.db.ExecContext(ctx, query, rev.ID, rev.Profile, string(data), rev.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to put config: %w", err)
	}

	if s.keep > 0 {
		if _, err := s.Prune(ctx, s.keep); err != nil {
			return nil, err
		}
	}

	return rev, nil
}

// History lists the profile's revisions, newest first. limit <= 0 lists all.
func (s *SQLiteStore) History(ctx context.Context, limit int) ([]*Revision, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, profile, data, created_at
		FROM config_snapshots
		WHERE profile = ?
		ORDER BY seq DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, s.profile, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	defer rows.Close()

	revisions := []*Revision{}
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		revisions = append(revisions, rev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating revisions: %w", err)
	}

	return revisions, nil
}

// Revision returns a single revision of the profile by ID.
func (s *SQLiteStore) Revision(ctx context.Context, id string) (*Revision, error) {
	query := `
		SELECT id, profile, data, created_at
		FROM config_snapshots
		WHERE id = ? AND profile = ?
	`

	rev, err := scanRevision(s.db.QueryRowContext(ctx, query, id, s.profile))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("revision not found: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return rev, nil
}

// Prune deletes all but the newest keep revisions of the profile.
func (s *SQLiteStore) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		return 0, fmt.Errorf("keep must be at least 1")
	}

	query := `
		DELETE FROM config_snapshots
		WHERE profile = ?
		  AND seq NOT IN (
			SELECT seq FROM config_snapshots
			WHERE profile = ?
			ORDER BY seq DESC
			LIMIT ?
		  )
	`

	result, err := s.db.ExecContext(ctx, query, s.profile, s.profile, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune revisions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRevision(row rowScanner) (*Revision, error) {
	rev := &Revision{}
	var data string
	if err := row.Scan(&rev.ID, &rev.Profile, &data, &rev.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan revision: %w", err)
	}
	rev.Data = []byte(data)
	rev.Size = len(data)
	return rev, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries, newest first, optionally filtered by action.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
