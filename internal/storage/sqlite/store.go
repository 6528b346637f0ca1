// Package sqlite is the single-file review store used by the scraper CLI and
// by STORE_DRIVER=sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"reviewhub/internal/domain"
	"reviewhub/internal/storage/sqlite/migrations"
)

var (
	_ domain.ReviewRepository = (*Store)(nil)
	_ domain.JobRecorder      = (*Store)(nil)
)

// timestamps are stored as sortable RFC 3339 text
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database file at path and migrates it.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// one writer; the driver serializes anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Path() string { return s.path }

// migrate runs the *.up.sql files newer than the recorded version.
func (s *Store) migrate(fsys embed.FS) error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil || version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

const reviewColumns = `review_key, source, business_id, native_id, author, rating, published_at, body, reply, ingested_at, first_seen_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanStored(sc scanner) (domain.StoredReview, error) {
	var (
		e                             domain.StoredReview
		r                             = &e.Review
		src                           string
		nativeID, reply               sql.NullString
		published, ingested, firstSee string
	)
	if err := sc.Scan(&r.Key, &src, &r.BusinessID, &nativeID, &r.Author, &r.Rating,
		&published, &r.Body, &reply, &ingested, &firstSee); err != nil {
		return domain.StoredReview{}, err
	}
	r.Source = domain.SourceID(src)
	r.NativeID = nativeID.String
	if reply.Valid {
		v := reply.String
		r.Reply = &v
	}
	var err error
	if r.PublishedAt, err = time.Parse(tsLayout, published); err != nil {
		return domain.StoredReview{}, fmt.Errorf("published_at: %w", err)
	}
	if r.IngestedAt, err = time.Parse(tsLayout, ingested); err != nil {
		return domain.StoredReview{}, fmt.Errorf("ingested_at: %w", err)
	}
	if e.FirstSeenAt, err = time.Parse(tsLayout, firstSee); err != nil {
		return domain.StoredReview{}, fmt.Errorf("first_seen_at: %w", err)
	}
	return e, nil
}

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func nullable(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func (s *Store) Get(ctx context.Context, key string) (*domain.StoredReview, error) {
	e, err := scanStored(s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE review_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting review: %w", err)
	}
	return &e, nil
}

func (s *Store) Put(ctx context.Context, key string, e domain.StoredReview) error {
	r := e.Review
	var reply sql.NullString
	if r.Reply != nil {
		reply = sql.NullString{String: *r.Reply, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reviews (`+reviewColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(review_key) DO UPDATE SET
			native_id = excluded.native_id,
			author = excluded.author,
			rating = excluded.rating,
			published_at = excluded.published_at,
			body = excluded.body,
			reply = excluded.reply,
			ingested_at = excluded.ingested_at
	`, key, string(r.Source), r.BusinessID, nullable(r.NativeID), r.Author, r.Rating,
		ts(r.PublishedAt), r.Body, reply, ts(r.IngestedAt), ts(e.FirstSeenAt))
	if err != nil {
		return fmt.Errorf("saving review: %w", err)
	}
	return nil
}

func (s *Store) ListReviews(ctx context.Context, businessID string, pg domain.PageQuery) (domain.ReviewsPage, error) {
	limit := pg.Limit
	if limit <= 0 {
		limit = 100
	}
	src := string(pg.Source)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reviewColumns+`
		FROM reviews
		WHERE business_id = ? AND (? = '' OR source = ?)
		ORDER BY published_at DESC, review_key
		LIMIT ?
	`, businessID, src, src, limit)
	if err != nil {
		return domain.ReviewsPage{}, fmt.Errorf("listing reviews: %w", err)
	}
	defer rows.Close()

	var out []domain.CanonicalReview
	for rows.Next() {
		e, err := scanStored(rows)
		if err != nil {
			return domain.ReviewsPage{}, err
		}
		out = append(out, e.Review)
	}
	return domain.ReviewsPage{Items: out}, rows.Err()
}

func (s *Store) SaveJob(ctx context.Context, res domain.JobResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshalling job: %w", err)
	}
	var finished sql.NullString
	if !res.FinishedAt.IsZero() {
		finished = sql.NullString{String: ts(res.FinishedAt), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scrape_jobs (id, business_id, status, result, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			finished_at = excluded.finished_at
	`, res.ID, res.Business.ID, string(res.Status), string(b), ts(res.CreatedAt), finished)
	if err != nil {
		return fmt.Errorf("saving job: %w", err)
	}
	return nil
}

func (s *Store) LoadJob(ctx context.Context, id string) (domain.JobResult, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT result FROM scrape_jobs WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobResult{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.JobResult{}, fmt.Errorf("loading job: %w", err)
	}
	var res domain.JobResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return domain.JobResult{}, fmt.Errorf("unmarshalling job: %w", err)
	}
	return res, nil
}
