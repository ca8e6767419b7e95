package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-avr/internal/bridges/jblav"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/database"
	_ "github.com/nerrad567/gray-logic-avr/migrations"
)

func setupTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "audit.db"),
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

func TestAuditCommand(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	cmd := jblav.CommandMessage{
		ID:         "cmd-1",
		DeviceID:   "avr-01",
		Command:    "SET_VOLUME",
		Parameters: map[string]any{"volume": 40},
		Source:     "api",
	}
	if err := repo.AuditCommand(ctx, cmd, jblav.NewAckMessage(cmd)); err != nil {
		t.Fatalf("AuditCommand() error = %v", err)
	}

	reset := jblav.CommandMessage{ID: "cmd-2", DeviceID: "avr-01", Command: "factory_reset"}
	ack := jblav.NewAckError(reset, jblav.ErrCodeForbidden, "factory reset is disabled")
	if err := repo.AuditCommand(ctx, reset, ack); err != nil {
		t.Fatalf("AuditCommand() error = %v", err)
	}

	result, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 2 || len(result.Entries) != 2 {
		t.Fatalf("List() total=%d entries=%d, want 2", result.Total, len(result.Entries))
	}

	failed := result.Entries[0]
	if failed.CommandID != "cmd-2" || failed.Outcome != OutcomeFailed || failed.ErrorCode != jblav.ErrCodeForbidden {
		t.Errorf("failed entry = %+v", failed)
	}
	if failed.Source != "mqtt" {
		t.Errorf("default source = %q, want mqtt", failed.Source)
	}
	if failed.Parameters != nil {
		t.Errorf("Parameters = %v, want nil", failed.Parameters)
	}

	accepted := result.Entries[1]
	if accepted.Command != "set_volume" || accepted.Outcome != OutcomeAccepted || accepted.Source != "api" {
		t.Errorf("accepted entry = %+v", accepted)
	}
	if accepted.Parameters["volume"] != float64(40) {
		t.Errorf("Parameters = %v", accepted.Parameters)
	}
	if accepted.ErrorCode != "" || accepted.Message != "" {
		t.Errorf("accepted entry has error fields: %+v", accepted)
	}
	if len(accepted.ID) != len("aud-")+8 {
		t.Errorf("ID = %q", accepted.ID)
	}
}

func TestListFiltersAndPaging(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 18, 0, 0, 0, time.UTC)

	seed := []Entry{
		{ReceiverID: "avr-01", Command: "on", Outcome: OutcomeAccepted},
		{ReceiverID: "avr-01", Command: "set_volume", Outcome: OutcomeAccepted},
		{ReceiverID: "avr-01", Command: "set_volume", Outcome: OutcomeFailed, ErrorCode: jblav.ErrCodeOutOfRange},
		{ReceiverID: "avr-02", Command: "off", Outcome: OutcomeAccepted},
		{ReceiverID: "avr-01", Command: "mute", Outcome: OutcomeFailed, ErrorCode: jblav.ErrCodeNotConnected},
	}
	for i := range seed {
		seed[i].CommandID = "cmd"
		seed[i].CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := repo.Create(ctx, &seed[i]); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	tests := []struct {
		name      string
		filter    Filter
		wantTotal int
		wantLen   int
		wantFirst string
	}{
		{"all", Filter{}, 5, 5, "mute"},
		{"receiver", Filter{ReceiverID: "avr-02"}, 1, 1, "off"},
		{"command case-insensitive", Filter{Command: "SET_VOLUME"}, 2, 2, "set_volume"},
		{"failed", Filter{Outcome: OutcomeFailed}, 2, 2, "mute"},
		{"page", Filter{Limit: 2, Offset: 2}, 5, 2, "set_volume"},
		{"negative offset", Filter{Limit: 1, Offset: -3}, 5, 1, "mute"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if result.Total != tt.wantTotal {
				t.Errorf("Total = %d, want %d", result.Total, tt.wantTotal)
			}
			if len(result.Entries) != tt.wantLen {
				t.Fatalf("len(Entries) = %d, want %d", len(result.Entries), tt.wantLen)
			}
			if result.Entries[0].Command != tt.wantFirst {
				t.Errorf("first = %q, want %q", result.Entries[0].Command, tt.wantFirst)
			}
		})
	}

	result, err := repo.List(ctx, Filter{Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if result.Limit != maxListLimit {
		t.Errorf("Limit = %d, want %d", result.Limit, maxListLimit)
	}
}

func TestPrune(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, age := range []time.Duration{48 * time.Hour, 25 * time.Hour, time.Minute} {
		e := &Entry{CommandID: "c", ReceiverID: "avr-01", Command: "on", Outcome: OutcomeAccepted, CreatedAt: now.Add(-age)}
		if err := repo.Create(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := repo.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Prune() removed %d, want 2", n)
	}
	if _, err := repo.Prune(ctx, 0); err == nil {
		t.Error("Prune(0) should fail")
	}
}
