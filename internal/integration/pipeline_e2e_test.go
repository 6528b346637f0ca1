//go:build integration || !unit

package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/go-sql-driver/mysql"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	server "reviewhub/internal/adapters/http_server"
	redisad "reviewhub/internal/adapters/redis"
	"reviewhub/internal/app"
	"reviewhub/internal/domain"
	"reviewhub/internal/shared"
)

// ---------- helpers ----------

func migrationsDir() string {
	if v := os.Getenv("MIGRATIONS_DIR"); v != "" {
		return v
	}
	return filepath.Join("..", "..", "migrations", "mysql")
}

func applyMigrations(t *testing.T, db *sql.DB) {
	t.Helper()
	dir := migrationsDir()
	ents, err := os.ReadDir(dir)
	require.NoError(t, err, "read migrations dir %s", dir)

	var files []string
	for _, e := range ents {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	require.NotEmpty(t, files, "no .sql files in %s", dir)
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		require.NoError(t, err)
		_, err = db.Exec(string(b))
		require.NoError(t, err, "exec %s", f)
	}
}

// startMySQL returns a DSN for a migrated, throwaway MySQL.
func startMySQL(t *testing.T) string {
	t.Helper()
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("dockertest: %v", err)
	}
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "mysql",
		Tag:        "8.0.36",
		Env:        []string{"MYSQL_ROOT_PASSWORD=root", "MYSQL_DATABASE=reviewhub"},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Skipf("run mysql: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(resource) })

	dsn := fmt.Sprintf("root:root@tcp(127.0.0.1:%s)/reviewhub?parseTime=true&multiStatements=true&charset=utf8mb4,utf8&loc=UTC",
		resource.GetPort("3306/tcp"))

	var db *sql.DB
	require.NoError(t, pool.Retry(func() error {
		var e error
		if db, e = sql.Open("mysql", dsn); e != nil {
			return e
		}
		return db.Ping()
	}))
	defer db.Close()
	applyMigrations(t, db)
	return dsn
}

// ---------- fake providers ----------

const yandexFeed = `{"data":{"params":{"totalPages":1},"reviews":[
 {"reviewId":"y1","author":{"name":"Анна"},"rating":5,"updatedTime":"2024-05-02T10:00:00Z","text":"Лучший завтрак в городе","businessComment":{"text":"Спасибо!"}},
 {"reviewId":"y2","author":{"name":"Иван"},"rating":2,"updatedTime":"2024-04-20T10:00:00Z","text":"Холодный суп"}]}}`

const twogisPage = `<!doctype html><html><body>
<div data-review-id="g1" data-rating="4">
  <span data-review-author>Мария</span>
  <time datetime="2024-05-05T09:00:00Z">5 мая</time>
  <div data-review-text>Уютно, но шумно по вечерам</div>
</div>
</body></html>`

func providers(t *testing.T) (yandexURL, twogisURL string) {
	t.Helper()
	y := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(yandexFeed))
	}))
	g := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.URL.Query().Get("page") == "1" {
			_, _ = w.Write([]byte(twogisPage))
			return
		}
		_, _ = w.Write([]byte(`<!doctype html><html><body><p>Отзывов больше нет</p></body></html>`))
	}))
	t.Cleanup(y.Close)
	t.Cleanup(g.Close)
	return y.URL, g.URL
}

// ---------- the test ----------

func TestPipeline_EndToEnd_MySQL(t *testing.T) {
	dsn := startMySQL(t)
	yURL, gURL := providers(t)
	mr := miniredis.RunT(t)
	ctx := context.Background()

	cfg := shared.Config{
		StoreDriver:   "mysql",
		MySQLDSN:      dsn,
		CacheTTL:      time.Minute,
		MaxPages:      5,
		SourceTimeout: 30 * time.Second,
		FetchTimeout:  5 * time.Second,
		FetchRetries:  1,
		JobRetention:  10,
	}
	fast := shared.RateSettings{RPS: 100, Burst: 10, Cooldown: time.Second}
	sf := shared.SourcesFile{
		Timezone: "UTC",
		Sources: map[domain.SourceID]shared.SourceSettings{
			domain.SourceYandex: {URLTemplate: yURL + "/reviews?org={id}&page={page}&size={size}", PageSize: 50, Rate: fast, RatingScale: 5},
			domain.SourceTwoGIS: {URLTemplate: gURL + "/firm/{id}/reviews?page={page}", Rate: fast, RatingScale: 5},
		},
		Businesses: []shared.Business{{
			ID: "cafe-1", Name: "Cafe",
			Yandex: "https://yandex.ru/maps/org/cafe/1018907821/reviews/",
			TwoGIS: "https://2gis.ru/moscow/firm/70000001057394703",
		}},
	}

	store, closer, err := shared.OpenStore(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closer.Close() })

	cache := redisad.New(mr.Addr(), "", 0)
	q := app.NewQueryService(store, cache, cfg.CacheTTL)
	jobs := shared.NewOrchestrator(cfg, sf, store, cache, q)

	srv := server.New()
	srv.MountHandlers(&server.Handlers{Q: q, Jobs: jobs, Businesses: func(id string) (domain.BusinessRef, bool) {
		b, ok := sf.Business(id)
		return b.Ref(), ok
	}})
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	runJob := func() domain.JobResult {
		resp, err := http.Post(ts.URL+"/v1/jobs", "application/json", strings.NewReader(`{"business_id":"cafe-1"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		var started struct {
			JobID string `json:"job_id"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))

		wctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		_, err = jobs.Wait(wctx, started.JobID)
		require.NoError(t, err)

		// read back over HTTP; finished jobs are also persisted in MySQL
		st, err := http.Get(ts.URL + "/v1/jobs/" + started.JobID)
		require.NoError(t, err)
		defer st.Body.Close()
		var res domain.JobResult
		require.NoError(t, json.NewDecoder(st.Body).Decode(&res))
		saved, err := store.LoadJob(ctx, started.JobID)
		require.NoError(t, err)
		assert.Equal(t, res.Status, saved.Status)
		return res
	}

	first := runJob()
	require.Equal(t, domain.JobCompleted, first.Status, "%+v", first.Errors)
	assert.Equal(t, 2, first.Sources[domain.SourceYandex].New)
	assert.Equal(t, 1, first.Sources[domain.SourceTwoGIS].New)

	resp, err := http.Get(ts.URL + "/v1/businesses/cafe-1/reviews?limit=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page domain.ReviewsPage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	require.Len(t, page.Items, 3)
	assert.Equal(t, "g1", page.Items[0].NativeID) // 5 May is newest
	assert.Equal(t, 4, page.Items[0].Rating)
	require.NotNil(t, page.Items[1].Reply)
	assert.Equal(t, "Спасибо!", *page.Items[1].Reply)

	// rerun: nothing new, store unchanged
	second := runJob()
	assert.Equal(t, domain.JobCompleted, second.Status)
	for _, rep := range second.Sources {
		assert.Zero(t, rep.New, rep.Source)
		assert.Zero(t, rep.Updated, rep.Source)
		assert.Equal(t, rep.Fetched, rep.Duplicate, rep.Source)
	}
}
