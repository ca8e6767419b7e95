package history

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/database"
	_ "github.com/nerrad567/gray-logic-avr/migrations"
)

// setupTestRepo opens a migrated SQLite database in a temp directory.
func setupTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "history.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestRecordAndList(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 20, 0, 0, 0, time.UTC)

	changes := []struct {
		attribute string
		value     any
		previous  any
		offset    time.Duration
	}{
		{"connection", "connected", "disconnected", 0},
		{"power", true, nil, time.Second},
		{"volume", 40, 35, 2 * time.Second},
		{"source", "HDMI 2", "TV (ARC)", 3 * time.Second},
		{"volume", 42, 40, 3*time.Second + 500*time.Microsecond},
	}
	for _, c := range changes {
		if err := repo.RecordStateChange(ctx, "avr-01", c.attribute, c.value, c.previous, base.Add(c.offset)); err != nil {
			t.Fatalf("RecordStateChange(%s) error = %v", c.attribute, err)
		}
	}
	if err := repo.RecordStateChange(ctx, "avr-02", "volume", 10, nil, base); err != nil {
		t.Fatal(err)
	}

	entries, err := repo.List(ctx, Query{ReceiverID: "avr-01"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("List() returned %d entries, want 5", len(entries))
	}

	newest := entries[0]
	if newest.Attribute != "volume" || newest.Value != float64(42) || newest.Previous != float64(40) {
		t.Errorf("newest = %+v", newest)
	}
	if !newest.ChangedAt.Equal(base.Add(3*time.Second + 500*time.Microsecond)) {
		t.Errorf("ChangedAt = %s", newest.ChangedAt)
	}
	if entries[1].Attribute != "source" || entries[1].Value != "HDMI 2" {
		t.Errorf("entries[1] = %+v", entries[1])
	}
	if entries[3].Attribute != "power" || entries[3].Value != true || entries[3].Previous != nil {
		t.Errorf("power entry = %+v", entries[3])
	}
}

func TestListFilters(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 20, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := repo.RecordStateChange(ctx, "avr-01", "volume", 10+i, nil, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.RecordStateChange(ctx, "avr-01", "muted", true, false, base.Add(10*time.Minute)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		query Query
		want  int
	}{
		{"by attribute", Query{ReceiverID: "avr-01", Attribute: "volume"}, 5},
		{"since", Query{ReceiverID: "avr-01", Since: base.Add(3 * time.Minute)}, 3},
		{"limit", Query{ReceiverID: "avr-01", Limit: 2}, 2},
		{"limit clamped", Query{ReceiverID: "avr-01", Limit: 10000}, 6},
		{"other receiver", Query{ReceiverID: "avr-99"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := repo.List(ctx, tt.query)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(entries) != tt.want {
				t.Errorf("List() = %d entries, want %d", len(entries), tt.want)
			}
		})
	}
}

func TestValidation(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	if err := repo.RecordStateChange(ctx, "", "volume", 1, nil, time.Now()); !errors.Is(err, ErrNoReceiver) {
		t.Errorf("RecordStateChange(no receiver) = %v", err)
	}
	if err := repo.RecordStateChange(ctx, "avr-01", "", 1, nil, time.Now()); err == nil {
		t.Error("RecordStateChange(no attribute) should fail")
	}
	if err := repo.RecordStateChange(ctx, "avr-01", "volume", make(chan int), nil, time.Now()); err == nil {
		t.Error("RecordStateChange(unmarshalable) should fail")
	}
	if _, err := repo.List(ctx, Query{}); !errors.Is(err, ErrNoReceiver) {
		t.Errorf("List(no receiver) = %v", err)
	}
	if _, err := repo.Prune(ctx, 0); err == nil {
		t.Error("Prune(0) should fail")
	}
}

func TestZeroTimestampUsesNow(t *testing.T) {
	repo := setupTestRepo(t)
	fixed := time.Date(2026, 10, 19, 21, 30, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixed }

	if err := repo.RecordStateChange(context.Background(), "avr-01", "power", false, nil, time.Time{}); err != nil {
		t.Fatal(err)
	}
	entries, err := repo.List(context.Background(), Query{ReceiverID: "avr-01"})
	if err != nil || len(entries) != 1 {
		t.Fatalf("List() = %v, %v", entries, err)
	}
	if !entries[0].ChangedAt.Equal(fixed) {
		t.Errorf("ChangedAt = %s, want %s", entries[0].ChangedAt, fixed)
	}
}

func TestPrune(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	for _, age := range []time.Duration{40 * 24 * time.Hour, 31 * 24 * time.Hour, 2 * time.Hour} {
		if err := repo.RecordStateChange(ctx, "avr-01", "volume", 1, nil, now.Add(-age)); err != nil {
			t.Fatal(err)
		}
	}

	n, err := repo.Prune(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Prune() removed %d rows, want 2", n)
	}

	entries, err := repo.List(ctx, Query{ReceiverID: "avr-01"})
	if err != nil || len(entries) != 1 {
		t.Errorf("remaining = %v, %v", entries, err)
	}
}

type countingStore struct {
	mu    sync.Mutex
	calls int
	n     int64
	err   error
}

func (s *countingStore) Prune(context.Context, time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.n, s.err
}

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func TestPruner(t *testing.T) {
	ok := &countingStore{n: 3}
	failing := &countingStore{err: errors.New("locked")}
	p := NewPruner(map[string]Prunable{"history": ok, "audit": failing}, time.Hour, 5*time.Millisecond, nopLogger{})

	if got := p.PruneNow(context.Background()); got != 3 {
		t.Errorf("PruneNow() = %d, want 3", got)
	}

	p.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for ok.count() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()
	p.Stop()

	if ok.count() < 4 || failing.count() < 4 {
		t.Errorf("calls ok=%d failing=%d, want periodic pruning", ok.count(), failing.count())
	}
}

func TestPrunerDisabled(t *testing.T) {
	store := &countingStore{}
	p := NewPruner(map[string]Prunable{"history": store}, 0, 0, nil)
	if p.interval != DefaultPruneInterval {
		t.Errorf("interval = %s", p.interval)
	}

	p.Start(context.Background())
	p.Stop()
	if store.count() != 0 {
		t.Error("pruner ran with retention disabled")
	}
}
