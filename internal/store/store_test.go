package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/arcstore/tsqlite/internal/predicate"
	"github.com/arcstore/tsqlite/internal/store"
	"github.com/arcstore/tsqlite/internal/txscope"
)

// widget is the fixture entity used across this package's tests: a
// primary key, a plain column, the four well-known lifecycle columns
// (Version, CreatedTime, UpdatedTime, IsDeleted) and an optional
// ExpiresAt resolved by name per mapping's convention.
type widget struct {
	ID          string     `db:"id" tstore:"pk"`
	Name        string     `db:"name"`
	Price       int        `db:"price"`
	Version     int64      `db:"version"`
	CreatedTime time.Time  `db:"created_time" tstore:"audit:created"`
	UpdatedTime time.Time  `db:"updated_time" tstore:"audit:updated"`
	IsDeleted   bool       `db:"is_deleted"`
	ExpiresAt   *time.Time `db:"expires_at"`
}

type validatingWidget struct {
	widget
}

func (v validatingWidget) Validate() error {
	if v.Price < 0 {
		return fmt.Errorf("price must be non-negative")
	}
	return nil
}

func setupWidgetStore(t *testing.T) (*store.Store[string, widget], func()) {
	t.Helper()
	s, err := store.OpenMemory[string, widget](context.Background())
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	return s, func() { _ = s.Close() }
}

func TestCreateThenGetRoundTrips(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	created, err := s.Create(ctx, widget{ID: "w1", Name: "gadget", Price: 10}, store.CallerInfo{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.Version != 1 {
		t.Errorf("expected Version=1, got %d", created.Version)
	}
	if created.CreatedTime.IsZero() {
		t.Error("expected CreatedTime to be set")
	}

	got, err := s.Get(ctx, "w1", store.CallerInfo{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "gadget" || got.Price != 10 {
		t.Errorf("got unexpected entity: %+v", got)
	}
}

func TestCreateDuplicateKeyFails(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.Create(ctx, widget{ID: "w1", Name: "a"}, store.CallerInfo{}); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	_, err := s.Create(ctx, widget{ID: "w1", Name: "b"}, store.CallerInfo{})
	if err == nil {
		t.Fatal("expected duplicate create to fail")
	}
	if !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()

	_, err := s.Get(context.Background(), "missing", store.CallerInfo{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateBumpsVersionAndRejectsStaleVersion(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	created, err := s.Create(ctx, widget{ID: "w1", Name: "a", Price: 1}, store.CallerInfo{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	created.Price = 2
	updated, err := s.Update(ctx, created, store.CallerInfo{})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("expected Version=2 after update, got %d", updated.Version)
	}
	if updated.Price != 2 {
		t.Errorf("expected Price=2, got %d", updated.Price)
	}

	// created still carries the stale Version=1; reusing it must conflict.
	created.Price = 3
	if _, err := s.Update(ctx, created, store.CallerInfo{}); !errors.Is(err, store.ErrConcurrency) {
		t.Errorf("expected ErrConcurrency on stale version, got %v", err)
	}
}

func TestSoftDeleteBumpsVersionAndHidesFromGet(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	created, err := s.Create(ctx, widget{ID: "w1", Name: "a"}, store.CallerInfo{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	changed, err := s.Delete(ctx, created.ID, false, store.CallerInfo{})
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !changed {
		t.Error("expected soft delete to report a change")
	}

	if _, err := s.Get(ctx, "w1", store.CallerInfo{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after soft delete, got %v", err)
	}

	all, err := s.Query(ctx, nil, store.QueryOptions{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("Query with IncludeDeleted failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 row including soft-deleted, got %d", len(all))
	}
	if !all[0].IsDeleted {
		t.Error("expected IsDeleted to be set")
	}
	if all[0].Version != created.Version+1 {
		t.Errorf("expected soft delete to bump Version from %d to %d, got %d", created.Version, created.Version+1, all[0].Version)
	}
}

func TestSoftDeleteTwiceIsIdempotentNoOp(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.Create(ctx, widget{ID: "w1", Name: "a"}, store.CallerInfo{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Delete(ctx, "w1", false, store.CallerInfo{}); err != nil {
		t.Fatalf("first Delete failed: %v", err)
	}

	changed, err := s.Delete(ctx, "w1", false, store.CallerInfo{})
	if err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
	if changed {
		t.Error("expected the second soft delete to report no change, since Get no longer finds the row")
	}
}

func TestHardDeleteRemovesRow(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.Create(ctx, widget{ID: "w1", Name: "a"}, store.CallerInfo{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	changed, err := s.Delete(ctx, "w1", true, store.CallerInfo{})
	if err != nil {
		t.Fatalf("hard Delete failed: %v", err)
	}
	if !changed {
		t.Error("expected hard delete to report a change")
	}

	changed, err = s.Delete(ctx, "w1", true, store.CallerInfo{})
	if err != nil {
		t.Fatalf("second hard Delete failed: %v", err)
	}
	if changed {
		t.Error("expected second hard delete to report no change")
	}
}

func TestQueryFiltersByPredicate(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	for i, price := range []int{5, 15, 25} {
		if _, err := s.Create(ctx, widget{ID: fmt.Sprintf("w%d", i), Name: "x", Price: price}, store.CallerInfo{}); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
	}

	pred := predicate.Binary{Op: predicate.OpGt, Left: predicate.Member{Name: "price"}, Right: predicate.Const{Value: 10}}
	got, err := s.Query(ctx, pred, store.QueryOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 matches, got %d", len(got))
	}
}

func TestQueryPagedOrdersByPrimaryKeyWhenOrderByEmpty(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		if _, err := s.Create(ctx, widget{ID: id, Name: id}, store.CallerInfo{}); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}

	page, err := s.QueryPaged(ctx, nil, 2, 1, "", true, store.QueryOptions{})
	if err != nil {
		t.Fatalf("QueryPaged page 1 failed: %v", err)
	}
	if page.TotalCount != 3 {
		t.Errorf("expected TotalCount=3, got %d", page.TotalCount)
	}
	if len(page.Items) != 2 || page.Items[0].ID != "a" || page.Items[1].ID != "b" {
		t.Errorf("expected [a, b] on page 1, got %+v", page.Items)
	}

	page2, err := s.QueryPaged(ctx, nil, 2, 2, "", true, store.QueryOptions{})
	if err != nil {
		t.Fatalf("QueryPaged page 2 failed: %v", err)
	}
	if len(page2.Items) != 1 || page2.Items[0].ID != "c" {
		t.Errorf("expected [c] on page 2, got %+v", page2.Items)
	}
}

func TestQueryPagedBeyondLastPageIsEmptyWithCorrectTotal(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()
	if _, err := s.Create(ctx, widget{ID: "a", Name: "a"}, store.CallerInfo{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	page, err := s.QueryPaged(ctx, nil, 10, 5, "", true, store.QueryOptions{})
	if err != nil {
		t.Fatalf("QueryPaged failed: %v", err)
	}
	if len(page.Items) != 0 {
		t.Errorf("expected no items past the last page, got %d", len(page.Items))
	}
	if page.TotalCount != 1 {
		t.Errorf("expected TotalCount=1, got %d", page.TotalCount)
	}
}

func TestCreateBatchIsAllOrNothing(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.Create(ctx, widget{ID: "dup", Name: "existing"}, store.CallerInfo{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err := s.CreateBatch(ctx, []widget{
		{ID: "new1", Name: "a"},
		{ID: "dup", Name: "b"},
	}, store.CallerInfo{})
	if err == nil {
		t.Fatal("expected CreateBatch to fail on duplicate key")
	}

	if _, getErr := s.Get(ctx, "new1", store.CallerInfo{}); !errors.Is(getErr, store.ErrNotFound) {
		t.Errorf("batch should have rolled back entirely, got %v", getErr)
	}
}

func TestUpdateBatchRollsBackOnConcurrencyConflict(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	a, err := s.Create(ctx, widget{ID: "a", Name: "a", Price: 1}, store.CallerInfo{})
	if err != nil {
		t.Fatalf("Create a failed: %v", err)
	}
	b, err := s.Create(ctx, widget{ID: "b", Name: "b", Price: 1}, store.CallerInfo{})
	if err != nil {
		t.Fatalf("Create b failed: %v", err)
	}

	// Stale version on b triggers a conflict partway through the batch.
	b.Version = 999
	a.Price = 2
	if _, err := s.UpdateBatch(ctx, []widget{a, b}, store.CallerInfo{}); !errors.Is(err, store.ErrConcurrency) {
		t.Fatalf("expected ErrConcurrency, got %v", err)
	}

	got, err := s.Get(ctx, "a", store.CallerInfo{})
	if err != nil {
		t.Fatalf("Get a failed: %v", err)
	}
	if got.Price != 1 {
		t.Errorf("batch failure should have rolled back a's update too, got Price=%d", got.Price)
	}
}

func TestBulkImportUpdateExistingOnlyBumpsVersionOnRealChange(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.Create(ctx, widget{ID: "w1", Name: "same", Price: 1}, store.CallerInfo{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := s.BulkImport(ctx, []widget{{ID: "w1", Name: "same", Price: 1}},
		store.BulkImportOptions{UpdateExisting: true}, nil); err != nil {
		t.Fatalf("BulkImport (no-op) failed: %v", err)
	}

	unchanged, err := s.Get(ctx, "w1", store.CallerInfo{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if unchanged.Version != 1 {
		t.Errorf("identical payload must not bump Version, got %d", unchanged.Version)
	}

	if _, err := s.BulkImport(ctx, []widget{{ID: "w1", Name: "changed", Price: 1}},
		store.BulkImportOptions{UpdateExisting: true}, nil); err != nil {
		t.Fatalf("BulkImport (change) failed: %v", err)
	}

	changed, err := s.Get(ctx, "w1", store.CallerInfo{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if changed.Version != 2 {
		t.Errorf("differing payload must bump Version, got %d", changed.Version)
	}
	if changed.Name != "changed" {
		t.Errorf("expected Name=changed, got %s", changed.Name)
	}
}

func TestBulkImportValidateBeforeImportAbortsOnFirstFailure(t *testing.T) {
	s, err := store.OpenMemory[string, validatingWidget](context.Background())
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	_, err = s.BulkImport(ctx, []validatingWidget{
		{widget: widget{ID: "ok", Name: "a", Price: 1}},
		{widget: widget{ID: "bad", Name: "b", Price: -1}},
	}, store.BulkImportOptions{ValidateBeforeImport: true}, nil)
	if err == nil {
		t.Fatal("expected validation failure to abort BulkImport")
	}

	if _, getErr := s.Get(ctx, "ok", store.CallerInfo{}); !errors.Is(getErr, store.ErrNotFound) {
		t.Errorf("validation failure must abort before any write, got %v", getErr)
	}
}

func TestBulkImportDuplicateWithoutIgnoreOrUpdateFails(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.Create(ctx, widget{ID: "w1", Name: "a"}, store.CallerInfo{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	result, err := s.BulkImport(ctx, []widget{{ID: "w1", Name: "b"}}, store.BulkImportOptions{}, nil)
	if err != nil {
		t.Fatalf("BulkImport failed: %v", err)
	}
	if result.DuplicateCount != 1 {
		t.Errorf("expected DuplicateCount=1, got %d", result.DuplicateCount)
	}
	if result.FailureCount != 1 {
		t.Errorf("expected FailureCount=1, got %d", result.FailureCount)
	}
}

func TestBulkExportOnlyDirtyReturnsRowsWrittenSinceLastExport(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.Create(ctx, widget{ID: "w1", Name: "a"}, store.CallerInfo{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	first, err := s.BulkExport(ctx, nil, store.BulkExportOptions{OnlyDirty: true}, nil)
	if err != nil {
		t.Fatalf("first BulkExport failed: %v", err)
	}
	if len(first) != 1 {
		t.Errorf("expected 1 dirty row on first export, got %d", len(first))
	}

	second, err := s.BulkExport(ctx, nil, store.BulkExportOptions{OnlyDirty: true}, nil)
	if err != nil {
		t.Fatalf("second BulkExport failed: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("dirty flag should have been cleared by the first export, got %d rows", len(second))
	}
}

func TestBulkExportIncludeFieldsZeroesUnlistedColumns(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.Create(ctx, widget{ID: "w1", Name: "a", Price: 42}, store.CallerInfo{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	out, err := s.BulkExport(ctx, nil, store.BulkExportOptions{IncludeFields: []string{"Name"}}, nil)
	if err != nil {
		t.Fatalf("BulkExport failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 row, got %d", len(out))
	}
	if out[0].ID != "w1" {
		t.Errorf("expected primary key to survive projection, got %q", out[0].ID)
	}
	if out[0].Name != "a" {
		t.Errorf("expected Name=a to survive inclusion, got %q", out[0].Name)
	}
	if out[0].Price != 0 {
		t.Errorf("expected Price to be zeroed by IncludeFields, got %d", out[0].Price)
	}
}

func TestBulkExportExcludeFieldsZeroesListedColumns(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.Create(ctx, widget{ID: "w1", Name: "a", Price: 42}, store.CallerInfo{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	out, err := s.BulkExport(ctx, nil, store.BulkExportOptions{ExcludeFields: []string{"price"}}, nil)
	if err != nil {
		t.Fatalf("BulkExport failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 row, got %d", len(out))
	}
	if out[0].Name != "a" {
		t.Errorf("expected Name to survive exclusion, got %q", out[0].Name)
	}
	if out[0].Price != 0 {
		t.Errorf("expected Price to be zeroed by ExcludeFields (matched by db column name), got %d", out[0].Price)
	}
}

func TestCountExistsAndTotalCountExcludeExpiredRows(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	if _, err := s.Create(ctx, widget{ID: "w1", Name: "expired", ExpiresAt: &past}, store.CallerInfo{}); err != nil {
		t.Fatalf("Create expired failed: %v", err)
	}
	if _, err := s.Create(ctx, widget{ID: "w2", Name: "live"}, store.CallerInfo{}); err != nil {
		t.Fatalf("Create live failed: %v", err)
	}

	if _, err := s.Get(ctx, "w1", store.CallerInfo{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected expired row absent from Get, got err: %v", err)
	}

	count, err := s.Count(ctx, nil)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected Count=1 excluding the expired row, got %d", count)
	}

	exists, err := s.Exists(ctx, predicate.Eq("id", "w1"))
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("expected Exists to report false for an expired row")
	}

	paged, err := s.QueryPaged(ctx, nil, 10, 1, "", true, store.QueryOptions{})
	if err != nil {
		t.Fatalf("QueryPaged failed: %v", err)
	}
	if paged.TotalCount != 1 {
		t.Errorf("expected TotalCount=1 excluding the expired row, got %d", paged.TotalCount)
	}
	if len(paged.Items) != 1 {
		t.Errorf("expected 1 item excluding the expired row, got %d", len(paged.Items))
	}
}

func TestCleanupExpiredIsIdempotent(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	if _, err := s.Create(ctx, widget{ID: "w1", Name: "a", ExpiresAt: &past}, store.CallerInfo{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	n, err := s.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row cleaned, got %d", n)
	}

	n, err = s.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("second CleanupExpired failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected idempotent second run to clean 0 rows, got %d", n)
	}
}

func TestStatisticsReportsActiveAndDeletedCounts(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.Create(ctx, widget{ID: "w1", Name: "a"}, store.CallerInfo{}); err != nil {
		t.Fatalf("Create w1 failed: %v", err)
	}
	if _, err := s.Create(ctx, widget{ID: "w2", Name: "b"}, store.CallerInfo{}); err != nil {
		t.Fatalf("Create w2 failed: %v", err)
	}
	if _, err := s.Delete(ctx, "w2", false, store.CallerInfo{}); err != nil {
		t.Fatalf("Delete w2 failed: %v", err)
	}

	stats, err := s.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("expected Total=2, got %d", stats.Total)
	}
	if stats.Deleted != 1 {
		t.Errorf("expected Deleted=1, got %d", stats.Deleted)
	}
	if stats.Active != 1 {
		t.Errorf("expected Active=1, got %d", stats.Active)
	}
}

func TestBeginTransactionCommitsBothOperations(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	scope := s.BeginTransaction()
	insertCol := fmt.Sprintf(`INSERT INTO %s ("id", "name", "price", "version", "created_time", "updated_time", "is_deleted") VALUES (?, ?, 0, 1, ?, ?, 0)`, s.Mapping().Table)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	for _, id := range []string{"x1", "x2"} {
		id := id
		if err := scope.Add(txscope.Operation{
			ID: "insert-" + id,
			Forward: func(ctx context.Context, input any) (any, error) {
				conn, err := s.Conn(ctx)
				if err != nil {
					return nil, err
				}
				defer conn.Close()
				_, err = conn.ExecContext(ctx, insertCol, id, "n-"+id, now, now)
				return nil, err
			},
		}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	if err := scope.Execute(ctx); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if scope.State() != txscope.StateCommitted {
		t.Fatalf("expected StateCommitted, got %s", scope.State())
	}

	for _, id := range []string{"x1", "x2"} {
		if _, err := s.Get(ctx, id, store.CallerInfo{}); err != nil {
			t.Errorf("expected %s to exist after commit, got err: %v", id, err)
		}
	}
}

func TestBeginTransactionRollsBackOnFailure(t *testing.T) {
	s, cleanup := setupWidgetStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.Create(ctx, widget{ID: "w1", Name: "first"}, store.CallerInfo{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	scope := s.BeginTransaction()
	undone := false
	if err := scope.Add(txscope.Operation{
		ID: "update-w1",
		Forward: func(ctx context.Context, input any) (any, error) {
			e, err := s.Get(ctx, "w1", store.CallerInfo{})
			if err != nil {
				return nil, err
			}
			e.Name = "second"
			return s.Update(ctx, e, store.CallerInfo{})
		},
		Inverse: func(ctx context.Context, output any) error {
			undone = true
			return nil
		},
	}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := scope.Add(txscope.Operation{
		ID: "fail",
		Forward: func(ctx context.Context, input any) (any, error) {
			return nil, errors.New("boom")
		},
	}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	err := scope.Execute(ctx)
	if err == nil {
		t.Fatal("expected Execute to fail")
	}
	if scope.State() != txscope.StateRolledBack {
		t.Errorf("expected StateRolledBack, got %s", scope.State())
	}
	if !undone {
		t.Error("expected inverse of update-w1 to have run")
	}

	got, err := s.Get(ctx, "w1", store.CallerInfo{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "second" {
		t.Errorf("expected SQL-level write to remain committed (txscope rollback is compensating, not transactional): got %q", got.Name)
	}
}
