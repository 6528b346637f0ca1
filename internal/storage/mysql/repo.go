package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"reviewhub/internal/domain"
)

var (
	_ domain.ReviewRepository = (*Repo)(nil)
	_ domain.JobRecorder      = (*Repo)(nil)
)

func valStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func valNonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func valTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

type Repo struct{ db *sql.DB }

func New(db *sql.DB) *Repo { return &Repo{db: db} }

type scanner interface {
	Scan(dest ...any) error
}

func scanStored(s scanner) (domain.StoredReview, error) {
	var (
		e        domain.StoredReview
		r        = &e.Review
		src      string
		nativeID sql.NullString
		reply    sql.NullString
	)
	if err := s.Scan(
		&r.Key, &src, &r.BusinessID, &nativeID, &r.Author, &r.Rating,
		&r.PublishedAt, &r.Body, &reply, &r.IngestedAt, &e.FirstSeenAt,
	); err != nil {
		return domain.StoredReview{}, err
	}
	r.Source = domain.SourceID(src)
	if nativeID.Valid {
		r.NativeID = nativeID.String
	}
	if reply.Valid {
		s := reply.String
		r.Reply = &s
	}
	r.PublishedAt = r.PublishedAt.UTC()
	r.IngestedAt = r.IngestedAt.UTC()
	e.FirstSeenAt = e.FirstSeenAt.UTC()
	return e, nil
}

func (r *Repo) Get(ctx context.Context, key string) (*domain.StoredReview, error) {
	e, err := scanStored(r.db.QueryRowContext(ctx, getReviewSQL, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Repo) Put(ctx context.Context, key string, e domain.StoredReview) error {
	rv := e.Review
	_, err := r.db.ExecContext(ctx, upsertReviewSQL,
		key,
		string(rv.Source),
		rv.BusinessID,
		valNonEmpty(rv.NativeID),
		rv.Author,
		rv.Rating,
		rv.PublishedAt.UTC(),
		rv.Body,
		valStr(rv.Reply),
		rv.IngestedAt.UTC(),
		e.FirstSeenAt.UTC(),
	)
	return err
}

func (r *Repo) ListReviews(ctx context.Context, businessID string, pg domain.PageQuery) (domain.ReviewsPage, error) {
	limit := pg.Limit
	if limit <= 0 {
		limit = 100
	}
	src := string(pg.Source)
	rows, err := r.db.QueryContext(ctx, listReviewsSQL, businessID, src, src, limit)
	if err != nil {
		return domain.ReviewsPage{}, err
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
	if err := rows.Err(); err != nil {
		return domain.ReviewsPage{}, err
	}
	return domain.ReviewsPage{Items: out}, nil
}

func (r *Repo) SaveJob(ctx context.Context, res domain.JobResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, saveJobSQL,
		res.ID, res.Business.ID, string(res.Status), string(b), res.CreatedAt.UTC(), valTime(res.FinishedAt))
	return err
}

func (r *Repo) LoadJob(ctx context.Context, id string) (domain.JobResult, error) {
	var raw []byte
	if err := r.db.QueryRowContext(ctx, loadJobSQL, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.JobResult{}, domain.ErrNotFound
		}
		return domain.JobResult{}, err
	}
	var res domain.JobResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.JobResult{}, err
	}
	return res, nil
}
