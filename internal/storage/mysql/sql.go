package mysql

const reviewColumns = `review_key, source, business_id, native_id, author, rating, published_at, body, reply, ingested_at, first_seen_at`

const getReviewSQL = `SELECT ` + reviewColumns + ` FROM reviews WHERE review_key = ?`

// first_seen_at is only written on insert.
const upsertReviewSQL = `
INSERT INTO reviews (` + reviewColumns + `)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  native_id    = VALUES(native_id),
  author       = VALUES(author),
  rating       = VALUES(rating),
  published_at = VALUES(published_at),
  body         = VALUES(body),
  reply        = VALUES(reply),
  ingested_at  = VALUES(ingested_at)
`

// -----------------------------------------------------------------------------
// READ QUERIES
// -----------------------------------------------------------------------------

// An empty source parameter matches every source.
const listReviewsSQL = `
SELECT ` + reviewColumns + `
FROM reviews
WHERE business_id = ? AND (? = '' OR source = ?)
ORDER BY published_at DESC, review_key
LIMIT ?`

// -----------------------------------------------------------------------------
// JOBS
// -----------------------------------------------------------------------------

const saveJobSQL = `
INSERT INTO scrape_jobs (id, business_id, status, result, created_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  status      = VALUES(status),
  result      = VALUES(result),
  finished_at = VALUES(finished_at)
`

const loadJobSQL = `SELECT result FROM scrape_jobs WHERE id = ?`
