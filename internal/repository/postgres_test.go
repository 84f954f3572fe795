package repository

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// openTestPostgres connects to TEST_DB_URL inside a throwaway schema.
func openTestPostgres(t *testing.T) JobRepository {
	t.Helper()
	dsn := os.Getenv("TEST_DB_URL")
	if dsn == "" {
		t.Skip("TEST_DB_URL not set")
	}
	ctx := context.Background()
	schema := "replay_test_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")

	admin, adminPool, err := Open(ctx, Config{DSN: dsn, MaxConns: 1, DialTimeout: 5 * time.Second}, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := admin.DB().ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = admin.DB().ExecContext(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		Close(admin, adminPool, discardLogger())
	})

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	drv, pool, err := Open(ctx, Config{DSN: dsn + sep + "search_path=" + schema, MaxConns: 8}, discardLogger())
	if err != nil {
		t.Fatalf("Open scoped: %v", err)
	}
	t.Cleanup(func() { Close(drv, pool, discardLogger()) })
	if err := Migrate(ctx, drv, discardLogger()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return NewJobRepository(drv, discardLogger())
}

func TestPostgresConcurrentClaims(t *testing.T) {
	repo := openTestPostgres(t)
	ctx := context.Background()

	const users = 5
	for u := int64(1); u <= users; u++ {
		for i := 0; i < 2; i++ {
			code := fmt.Sprintf("CSGO-%05d-bbbbb-ccccc-ddddd-eeeee", u*10+int64(i))
			if _, err := repo.Enqueue(ctx, u, code); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}
	}

	var (
		mu      sync.Mutex
		claimed = map[int64]int64{}
		wg      sync.WaitGroup
	)
	for i := 0; i < users*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := repo.ClaimNext(ctx)
			if err != nil {
				t.Errorf("ClaimNext: %v", err)
				return
			}
			if job == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, ok := claimed[job.UserID]; ok {
				t.Errorf("user %d claimed twice: jobs %d and %d", job.UserID, prev, job.ID)
			}
			claimed[job.UserID] = job.ID
		}()
	}
	wg.Wait()

	if len(claimed) > users {
		t.Fatalf("claimed %d jobs, want at most %d", len(claimed), users)
	}
	for user, id := range claimed {
		job, err := repo.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%d): %v", id, err)
		}
		if job.UserID != user {
			t.Fatalf("job %d belongs to user %d, want %d", id, job.UserID, user)
		}
	}
}
