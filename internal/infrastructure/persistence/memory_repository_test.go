package persistence

import (
	"context"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lmrelay/lmrelay/internal/domain/entity"
	apperrors "github.com/lmrelay/lmrelay/pkg/errors"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?_foreign_keys=on"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	// In-memory sqlite is per-connection; keep the pool at one.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := autoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestThreadLifecycle(t *testing.T) {
	repo := NewMemoryRepository(newTestDB(t))
	ctx := context.Background()

	th, err := repo.CreateThread(ctx, "planning")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if th.ID == "" || th.Title != "planning" {
		t.Fatalf("unexpected thread: %+v", th)
	}

	got, err := repo.GetThread(ctx, th.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.ID != th.ID {
		t.Fatalf("GetThread id = %q, want %q", got.ID, th.ID)
	}

	if err := repo.DeleteThread(ctx, th.ID); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if _, err := repo.GetThread(ctx, th.ID); !apperrors.IsNotFound(err) {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
	if err := repo.DeleteThread(ctx, "missing"); !apperrors.IsNotFound(err) {
		t.Fatalf("expected not-found for unknown thread, got %v", err)
	}
}

func TestAppendAndListMessages(t *testing.T) {
	repo := NewMemoryRepository(newTestDB(t))
	ctx := context.Background()

	th, err := repo.CreateThread(ctx, "t")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	u, err := repo.AppendMessage(ctx, th.ID, entity.RoleUser, "hello there", nil)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if u.TotalTokens == nil || *u.TotalTokens != 3 {
		t.Fatalf("approx tokens for 11 chars = %v, want 3", u.TotalTokens)
	}

	total := 42
	a, err := repo.AppendMessage(ctx, th.ID, entity.RoleAssistant,
		"<think>secret chain</think>hi back", &entity.TokenCounts{Total: &total})
	if err != nil {
		t.Fatalf("AppendMessage assistant: %v", err)
	}
	if *a.TotalTokens != 42 {
		t.Fatalf("usage tokens not persisted: %v", *a.TotalTokens)
	}

	// System rows never show up in the pairing universe.
	if _, err := repo.AppendMessage(ctx, th.ID, entity.RoleSystem, "prelude", nil); err != nil {
		t.Fatalf("AppendMessage system: %v", err)
	}

	msgs, err := repo.GetMessagesAsc(ctx, th.ID, "", 0)
	if err != nil {
		t.Fatalf("GetMessagesAsc: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (system excluded)", len(msgs))
	}
	if msgs[0].Role != entity.RoleUser || msgs[1].Role != entity.RoleAssistant {
		t.Fatalf("order wrong: %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Content != "hi back" {
		t.Fatalf("reasoning block not stripped: %q", msgs[1].Content)
	}

	// Excluding the just-written user turn.
	msgs, err = repo.GetMessagesAsc(ctx, th.ID, u.ID, 0)
	if err != nil {
		t.Fatalf("GetMessagesAsc exclude: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != a.ID {
		t.Fatalf("exclusion failed: %+v", msgs)
	}
}

func TestInsertL2Idempotent(t *testing.T) {
	repo := NewMemoryRepository(newTestDB(t))
	ctx := context.Background()

	th, _ := repo.CreateThread(ctx, "t")
	now := time.Now().Unix()

	rec, inserted, err := repo.InsertL2(ctx, th.ID, "m1", "m2", "- note", 5, now)
	if err != nil {
		t.Fatalf("InsertL2: %v", err)
	}
	if !inserted || rec.ID == 0 {
		t.Fatalf("first insert should create a row: inserted=%v rec=%+v", inserted, rec)
	}

	again, inserted, err := repo.InsertL2(ctx, th.ID, "m1", "m2", "- different text", 9, now+1)
	if err != nil {
		t.Fatalf("InsertL2 replay: %v", err)
	}
	if inserted {
		t.Fatalf("duplicate (start,end) must be a no-op")
	}
	if again.ID != rec.ID || again.Text != "- note" {
		t.Fatalf("replay must return the original row, got %+v", again)
	}

	rows, err := repo.GetL2Asc(ctx, th.ID, 0)
	if err != nil {
		t.Fatalf("GetL2Asc: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d L2 rows, want 1", len(rows))
	}
}

func TestInsertL3ConsumesL2Rows(t *testing.T) {
	repo := NewMemoryRepository(newTestDB(t))
	ctx := context.Background()

	th, _ := repo.CreateThread(ctx, "t")
	now := time.Now().Unix()

	var ids []int64
	for i := 0; i < 3; i++ {
		rec, _, err := repo.InsertL2(ctx, th.ID,
			"u"+string(rune('a'+i)), "a"+string(rune('a'+i)), "- note", 4, now+int64(i))
		if err != nil {
			t.Fatalf("InsertL2 %d: %v", i, err)
		}
		ids = append(ids, rec.ID)
	}

	l3, err := repo.InsertL3(ctx, th.ID, ids[:2], "micro", 3, now+10)
	if err != nil {
		t.Fatalf("InsertL3: %v", err)
	}
	if l3.StartL2ID != ids[0] || l3.EndL2ID != ids[1] {
		t.Fatalf("L3 span = [%d,%d], want [%d,%d]", l3.StartL2ID, l3.EndL2ID, ids[0], ids[1])
	}

	left, err := repo.GetL2Asc(ctx, th.ID, 0)
	if err != nil {
		t.Fatalf("GetL2Asc: %v", err)
	}
	if len(left) != 1 || left[0].ID != ids[2] {
		t.Fatalf("consumed L2 rows not deleted: %+v", left)
	}

	l3s, err := repo.GetL3Asc(ctx, th.ID, 0)
	if err != nil {
		t.Fatalf("GetL3Asc: %v", err)
	}
	if len(l3s) != 1 {
		t.Fatalf("got %d L3 rows, want 1", len(l3s))
	}
}

func TestEvictL3Oldest(t *testing.T) {
	repo := NewMemoryRepository(newTestDB(t))
	ctx := context.Background()

	th, _ := repo.CreateThread(ctx, "t")
	now := time.Now().Unix()

	for i := 0; i < 4; i++ {
		rec, _, err := repo.InsertL2(ctx, th.ID,
			"u"+string(rune('a'+i)), "a"+string(rune('a'+i)), "- n", 2, now+int64(i))
		if err != nil {
			t.Fatalf("InsertL2: %v", err)
		}
		if _, err := repo.InsertL3(ctx, th.ID, []int64{rec.ID}, "m", 1, now+int64(i)); err != nil {
			t.Fatalf("InsertL3: %v", err)
		}
	}

	n, err := repo.EvictL3Oldest(ctx, th.ID, 3)
	if err != nil {
		t.Fatalf("EvictL3Oldest: %v", err)
	}
	if n != 3 {
		t.Fatalf("evicted %d, want 3", n)
	}

	left, _ := repo.GetL3Asc(ctx, th.ID, 0)
	if len(left) != 1 {
		t.Fatalf("got %d L3 rows after eviction, want 1", len(left))
	}

	n, err = repo.EvictL3Oldest(ctx, th.ID, 5)
	if err != nil || n != 1 {
		t.Fatalf("second eviction = (%d, %v), want (1, nil)", n, err)
	}
}

func TestMemoryStateUpsert(t *testing.T) {
	repo := NewMemoryRepository(newTestDB(t))
	ctx := context.Background()

	th, _ := repo.CreateThread(ctx, "t")

	st, err := repo.MemoryStateRead(ctx, th.ID)
	if err != nil {
		t.Fatalf("MemoryStateRead: %v", err)
	}
	if st.L1Tokens != 0 || st.UpdatedAt != 0 {
		t.Fatalf("missing state must read as zero: %+v", st)
	}

	if err := repo.MemoryStateUpdate(ctx, th.ID, 100, 50, 10); err != nil {
		t.Fatalf("MemoryStateUpdate: %v", err)
	}
	if err := repo.MemoryStateUpdate(ctx, th.ID, 120, 60, 12); err != nil {
		t.Fatalf("MemoryStateUpdate again: %v", err)
	}

	st, err = repo.MemoryStateRead(ctx, th.ID)
	if err != nil {
		t.Fatalf("MemoryStateRead: %v", err)
	}
	if st.L1Tokens != 120 || st.L2Tokens != 60 || st.L3Tokens != 12 {
		t.Fatalf("upsert did not overwrite: %+v", st)
	}
	if st.UpdatedAt == 0 {
		t.Fatalf("updated_at not set")
	}
}

func TestThreadSummaryBookkeeping(t *testing.T) {
	repo := NewMemoryRepository(newTestDB(t))
	ctx := context.Background()

	th, _ := repo.CreateThread(ctx, "t")
	now := time.Now().Unix()

	if err := repo.SetThreadSummarizing(ctx, th.ID, true, now); err != nil {
		t.Fatalf("SetThreadSummarizing: %v", err)
	}
	got, _ := repo.GetThread(ctx, th.ID)
	if !got.IsSummarizing || got.LastSummaryRunAt != now {
		t.Fatalf("flag not recorded: %+v", got)
	}

	if err := repo.SaveThreadSummary(ctx, th.ID, "recap", "en", "ok", "abc123"); err != nil {
		t.Fatalf("SaveThreadSummary: %v", err)
	}
	got, _ = repo.GetThread(ctx, th.ID)
	if got.Summary != "recap" || got.SummaryQuality != "ok" || got.IsSummarizing {
		t.Fatalf("summary not persisted or flag not cleared: %+v", got)
	}
	if got.SummaryUpdatedAt == nil {
		t.Fatalf("summary_updated_at not set")
	}

	if err := repo.SetThreadSummarizing(ctx, "missing", true, now); !apperrors.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestSaveResponse(t *testing.T) {
	repo := NewMemoryRepository(newTestDB(t))
	ctx := context.Background()

	th, _ := repo.CreateThread(ctx, "t")
	err := repo.SaveResponse(ctx, &entity.Response{
		ID:           "resp_1",
		ThreadID:     th.ID,
		RequestJSON:  `{"input":"hi"}`,
		ResponseJSON: `{"output":"hello"}`,
		Status:       entity.ResponseCompleted,
		Model:        "qwen3-4b",
		InputTokens:  10,
		OutputTokens: 5,
		TotalTokens:  15,
	})
	if err != nil {
		t.Fatalf("SaveResponse: %v", err)
	}
}

func TestProfileSingleRow(t *testing.T) {
	repo := NewProfileRepository(newTestDB(t))
	ctx := context.Background()

	p, err := repo.GetProfile(ctx)
	if err != nil {
		t.Fatalf("GetProfile empty: %v", err)
	}
	if p.DisplayName != "" {
		t.Fatalf("empty store must return zero profile, got %+v", p)
	}

	p.DisplayName = "Alex"
	p.PreferredLanguage = "ru"
	p.Brevity = "short"
	saved, err := repo.SaveProfile(ctx, p)
	if err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	if saved.DisplayName != "Alex" || saved.PreferredLanguage != "ru" {
		t.Fatalf("save round-trip failed: %+v", saved)
	}

	saved.Tone = "formal"
	if _, err := repo.SaveProfile(ctx, saved); err != nil {
		t.Fatalf("SaveProfile update: %v", err)
	}

	again, err := repo.GetProfile(ctx)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if again.Tone != "formal" || again.DisplayName != "Alex" {
		t.Fatalf("update lost fields: %+v", again)
	}
}
