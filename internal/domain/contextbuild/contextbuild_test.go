package contextbuild

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/lmrelay/lmrelay/internal/domain/budget"
	"github.com/lmrelay/lmrelay/internal/domain/entity"
	"github.com/lmrelay/lmrelay/internal/domain/memory"
	"github.com/lmrelay/lmrelay/internal/domain/repository"
	"github.com/lmrelay/lmrelay/internal/infrastructure/config"
	"github.com/lmrelay/lmrelay/internal/infrastructure/persistence"
)

// fixedWindow serves one loaded window without any network.
type fixedWindow struct{ window int }

func (f fixedWindow) Info(ctx context.Context, modelID string) budget.ModelInfo {
	w := f.window
	return budget.ModelInfo{ID: modelID, State: "loaded", LoadedContextLength: &w}
}

func (f fixedWindow) Probe(ctx context.Context, modelID string) budget.ModelInfo {
	return f.Info(ctx, modelID)
}

// charCounter is the deterministic counter: role + content at 4 chars
// per token, like the approx fallback, but tagged as proxy.
type charCounter struct{ mode string }

func (c charCounter) CountChat(ctx context.Context, model string, msgs []Message) (int, string) {
	n := 0
	for _, m := range msgs {
		n += ApproxTokens(m.Role) + ApproxTokens(m.Content)
	}
	return n, c.mode
}

// scriptedSummarizer returns canned texts; the L3 queue is consumed one
// call at a time and the final element repeats.
type scriptedSummarizer struct {
	groupText string
	l3Queue   []string
	l3Calls   int
}

func (s *scriptedSummarizer) SummarizePairToL2(ctx context.Context, u, a, lang string) string {
	return s.groupText
}

func (s *scriptedSummarizer) SummarizePairsGroupToL2(ctx context.Context, pairs []memory.Pair, lang string, maxTokens int) string {
	return s.groupText
}

func (s *scriptedSummarizer) SummarizeL2BlockToL3(ctx context.Context, l2Texts []string, lang string, maxTokens int) string {
	i := s.l3Calls
	s.l3Calls++
	if len(s.l3Queue) == 0 {
		return ""
	}
	if i >= len(s.l3Queue) {
		i = len(s.l3Queue) - 1
	}
	return s.l3Queue[i]
}

func defaultMemCfg() config.MemoryConfig {
	return config.MemoryConfig{
		L1Share: 0.60, L2Share: 0.30, L3Share: 0.10, ToolsMaxShare: 0.15,
		L1High: 90, L1Low: 70, L2High: 90, L2Low: 70, L3High: 90, L3Low: 70,
		L1MinPairs: 2, L2GroupSize: 4, L3GroupSize: 5,
		L2GroupMaxTokens: 256, L3GroupMaxTokens: 192,
		L3MinNonemptyChars: 12, L3RetryAttempts: 1, L3Style: "sentences",
		CapTokUser: 120, CapTokAssistant: 80,
	}
}

func defaultCtxCfg() config.ContextConfig {
	return config.ContextConfig{
		DefaultContextLength: 4096,
		SafetyPct:            0.10,
		RSysPct:              0.05,
		RSysMin:              256,
		ROutPct:              0.25,
		ROutDefault:          512,
		CoreSysPadTok:        100,
		ROutMin:              128,
		ROutFloor:            64,
	}
}

type env struct {
	repo       repository.MemoryRepository
	profiles   repository.ProfileRepository
	assembler  *Assembler
	compactor  *Compactor
	summarizer *scriptedSummarizer
	threadID   string
}

func newEnv(t *testing.T, window int, ctxCfg config.ContextConfig, mem config.MemoryConfig) *env {
	t.Helper()

	db, err := persistence.NewDBConnection(&config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	repo := persistence.NewMemoryRepository(db)
	profiles := persistence.NewProfileRepository(db)
	logger := zap.NewNop()

	solver := budget.NewSolver(fixedWindow{window: window}, ctxCfg, logger)
	memFn := func() config.MemoryConfig { return mem }

	asm := NewAssembler(repo, profiles, solver, charCounter{mode: ModeProxy}, memFn, logger)
	sum := &scriptedSummarizer{groupText: "- recap"}
	comp := NewCompactor(asm, repo, sum, memFn, ctxCfg, logger)

	th, err := repo.CreateThread(context.Background(), "t")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	return &env{
		repo: repo, profiles: profiles,
		assembler: asm, compactor: comp, summarizer: sum,
		threadID: th.ID,
	}
}

func (e *env) seedPairs(t *testing.T, n, charsPerSide int) []*entity.Message {
	t.Helper()
	var msgs []*entity.Message
	for i := 0; i < n; i++ {
		u, err := e.repo.AppendMessage(context.Background(), e.threadID,
			entity.RoleUser, strings.Repeat("u", charsPerSide), nil)
		if err != nil {
			t.Fatalf("append user: %v", err)
		}
		a, err := e.repo.AppendMessage(context.Background(), e.threadID,
			entity.RoleAssistant, strings.Repeat("a", charsPerSide), nil)
		if err != nil {
			t.Fatalf("append assistant: %v", err)
		}
		msgs = append(msgs, u, a)
	}
	return msgs
}

func TestAssembleEmptyThreadTightWindow(t *testing.T) {
	e := newEnv(t, 2048, defaultCtxCfg(), defaultMemCfg())

	res, err := e.compactor.AssembleWithPreflight(context.Background(), AssembleInput{
		ThreadID:        e.threadID,
		ModelID:         "lm:qwen3-4b",
		MaxOutputTokens: 128,
		CurrentUserText: "Hello",
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	b := res.Budget
	if b.ROut != 128 || b.RSys != 256 || b.Safety != 205 || b.BTotalIn != 1459 {
		t.Fatalf("budget = R_out %d R_sys %d Safety %d B_total_in %d", b.ROut, b.RSys, b.Safety, b.BTotalIn)
	}
	if res.L1PairsCount != 0 {
		t.Fatalf("l1 pairs = %d, want 0", res.L1PairsCount)
	}
	if len(res.CompactionSteps) != 0 {
		t.Fatalf("steps = %v, want none", res.CompactionSteps)
	}
	if res.FreeOutCap < 128 {
		t.Fatalf("free_out_cap = %d, want >= 128", res.FreeOutCap)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("messages = %d, want system + user", len(res.Messages))
	}
	if res.Messages[0].Role != entity.RoleSystem || res.Messages[1].Content != "Hello" {
		t.Fatalf("message shape wrong: %+v", res.Messages)
	}
	if !strings.Contains(res.Messages[0].Content, "CORE PROFILE") {
		t.Fatalf("system prelude missing core profile block")
	}
}

func TestAssembleAllPairsFit(t *testing.T) {
	e := newEnv(t, 32768, defaultCtxCfg(), defaultMemCfg())
	e.seedPairs(t, 6, 60)

	res, err := e.compactor.AssembleWithPreflight(context.Background(), AssembleInput{
		ThreadID:        e.threadID,
		ModelID:         "m",
		CurrentUserText: "next question",
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	if res.L1PairsCount != 6 {
		t.Fatalf("l1 pairs = %d, want 6", res.L1PairsCount)
	}
	if len(res.Includes.L2IDs) != 0 || len(res.Includes.L3IDs) != 0 {
		t.Fatalf("unexpected recap rows: %+v", res.Includes)
	}
	if len(res.CompactionSteps) != 0 {
		t.Fatalf("steps = %v, want none", res.CompactionSteps)
	}

	bd := res.Breakdown
	if sum := bd.System + bd.L3 + bd.L2 + bd.L1 + bd.User; sum != bd.Total {
		t.Fatalf("layers sum %d != total %d", sum, bd.Total)
	}
	if bd.Mode != ModeProxy {
		t.Fatalf("mode = %q", bd.Mode)
	}

	// Chronological order: preview pairs match insertion order.
	if len(res.L1OrderPreview) != 6 {
		t.Fatalf("preview = %v", res.L1OrderPreview)
	}
	if len(res.Messages) != 1+12+1 {
		t.Fatalf("messages = %d, want system + 12 turns + user", len(res.Messages))
	}
}

// tightCtxCfg produces a small working budget so compaction paths fire
// with hand-checkable numbers.
func tightCtxCfg() config.ContextConfig {
	cfg := defaultCtxCfg()
	cfg.RSysMin = 16
	cfg.CoreSysPadTok = 0
	cfg.ROutMin = 200
	return cfg
}

func TestNeedRoomTriggersSingleL1Grouping(t *testing.T) {
	e := newEnv(t, 512, tightCtxCfg(), defaultMemCfg())
	msgs := e.seedPairs(t, 8, 60)

	res, err := e.compactor.AssembleWithPreflight(context.Background(), AssembleInput{
		ThreadID:        e.threadID,
		ModelID:         "m",
		MaxOutputTokens: 64,
		CurrentUserText: "hi",
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	if len(res.CompactionSteps) != 1 || res.CompactionSteps[0] != "l1_to_l2_group:4->1" {
		t.Fatalf("steps = %v, want exactly one l1_to_l2_group:4->1", res.CompactionSteps)
	}

	// The grouped summary spans first user to the 4th pair's assistant.
	l2s, err := e.repo.GetL2Asc(context.Background(), e.threadID, 0)
	if err != nil {
		t.Fatalf("GetL2Asc: %v", err)
	}
	if len(l2s) != 1 {
		t.Fatalf("l2 rows = %d, want 1", len(l2s))
	}
	if l2s[0].StartMessageID != msgs[0].ID || l2s[0].EndMessageID != msgs[7].ID {
		t.Fatalf("group span = (%s, %s), want (%s, %s)",
			l2s[0].StartMessageID, l2s[0].EndMessageID, msgs[0].ID, msgs[7].ID)
	}

	// The marker removed the consumed pairs from the universe.
	if len(res.AllPairs) != 4 {
		t.Fatalf("universe = %d pairs, want 4 after grouping", len(res.AllPairs))
	}
	if res.FreeOutCap < 200 {
		t.Fatalf("free_out_cap = %d, want >= R_OUT_MIN after compaction", res.FreeOutCap)
	}
	if len(res.Includes.L2IDs) != 1 {
		t.Fatalf("includes.l2 = %v", res.Includes.L2IDs)
	}
}

func (e *env) seedL2Rows(t *testing.T, n int) []int64 {
	t.Helper()
	var ids []int64
	for i := 0; i < n; i++ {
		rec, _, err := e.repo.InsertL2(context.Background(), e.threadID,
			"u"+string(rune('a'+i)), "a"+string(rune('a'+i)),
			"- note about topic "+string(rune('a'+i)), 5, int64(1000+i))
		if err != nil {
			t.Fatalf("seed l2: %v", err)
		}
		ids = append(ids, rec.ID)
	}
	return ids
}

func (e *env) seedL3Rows(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		rec, _, err := e.repo.InsertL2(context.Background(), e.threadID,
			"x"+string(rune('a'+i)), "y"+string(rune('a'+i)), "- tmp", 2, int64(100+i))
		if err != nil {
			t.Fatalf("seed l2 for l3: %v", err)
		}
		if _, err := e.repo.InsertL3(context.Background(), e.threadID,
			[]int64{rec.ID}, "- micro note", 3, int64(100+i)); err != nil {
			t.Fatalf("seed l3: %v", err)
		}
	}
}

func TestL2PromotionWithQualityRetry(t *testing.T) {
	cfg := tightCtxCfg()
	cfg.ROutMin = 400 // keep need_more_room asserted throughout
	e := newEnv(t, 512, cfg, defaultMemCfg())

	e.seedL3Rows(t, 7)
	l2IDs := e.seedL2Rows(t, 10)

	// Two meaningless results, then a meaningful one.
	e.summarizer.l3Queue = []string{"", "", "the user configured the relay and tested streaming"}

	res, err := e.compactor.AssembleWithPreflight(context.Background(), AssembleInput{
		ThreadID:        e.threadID,
		ModelID:         "m",
		CurrentUserText: "hi",
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	if res.SummaryCounters["l3_failed"] != 2 {
		t.Fatalf("l3_failed = %d, want 2 (counters %v)", res.SummaryCounters["l3_failed"], res.SummaryCounters)
	}
	var promoted bool
	for _, s := range res.CompactionSteps {
		if s == "l2_to_l3_group:5->1" {
			promoted = true
		}
	}
	if !promoted {
		t.Fatalf("no successful l2_to_l3 promotion in %v", res.CompactionSteps)
	}

	// The oldest block was consumed atomically on the successful pass.
	left, err := e.repo.GetL2Asc(context.Background(), e.threadID, 0)
	if err != nil {
		t.Fatalf("GetL2Asc: %v", err)
	}
	for _, row := range left {
		for _, consumed := range l2IDs[:5] {
			if row.ID == consumed {
				t.Fatalf("consumed L2 row %d still present", consumed)
			}
		}
	}
}

func TestL2PromotionPermanentFailureKeepsRows(t *testing.T) {
	cfg := tightCtxCfg()
	cfg.ROutMin = 400
	e := newEnv(t, 512, cfg, defaultMemCfg())

	l2IDs := e.seedL2Rows(t, 10)
	e.summarizer.l3Queue = nil // always meaningless

	res, err := e.compactor.AssembleWithPreflight(context.Background(), AssembleInput{
		ThreadID:        e.threadID,
		ModelID:         "m",
		CurrentUserText: "hi",
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	if res.SummaryCounters["l2_to_l3"] != 0 {
		t.Fatalf("unexpected promotion: %v", res.CompactionSteps)
	}
	if res.SummaryCounters["l3_failed"] == 0 {
		t.Fatalf("expected recorded failure, counters %v", res.SummaryCounters)
	}

	left, _ := e.repo.GetL2Asc(context.Background(), e.threadID, 0)
	if len(left) != len(l2IDs) {
		t.Fatalf("l2 rows = %d, want all %d kept on failure", len(left), len(l2IDs))
	}
	l3s, _ := e.repo.GetL3Asc(context.Background(), e.threadID, 0)
	if len(l3s) != 0 {
		t.Fatalf("no L3 may be created from failed summaries, got %d", len(l3s))
	}
}

func TestCascadeStopsAtLowWatermarks(t *testing.T) {
	cfg := tightCtxCfg()
	cfg.ROutMin = 400 // unreachable in a 512 window, so room hunting persists
	e := newEnv(t, 512, cfg, defaultMemCfg())

	// Two small L2 rows: well under the low mark, but still promotable if
	// the loop kept hunting for output room.
	l2IDs := e.seedL2Rows(t, 2)
	e.summarizer.l3Queue = []string{"a perfectly meaningful condensed note"}

	res, err := e.compactor.AssembleWithPreflight(context.Background(), AssembleInput{
		ThreadID:        e.threadID,
		ModelID:         "m",
		CurrentUserText: "hi",
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	if len(res.CompactionSteps) != 0 {
		t.Fatalf("steps = %v, want none below the low watermarks", res.CompactionSteps)
	}
	if e.summarizer.l3Calls != 0 {
		t.Fatalf("summarizer called %d times, want 0", e.summarizer.l3Calls)
	}
	left, err := e.repo.GetL2Asc(context.Background(), e.threadID, 0)
	if err != nil {
		t.Fatalf("GetL2Asc: %v", err)
	}
	if len(left) != len(l2IDs) {
		t.Fatalf("l2 rows = %d, want all %d kept", len(left), len(l2IDs))
	}
}

func TestNormalizePaysDownDebt(t *testing.T) {
	e := newEnv(t, 512, tightCtxCfg(), defaultMemCfg())
	e.seedPairs(t, 8, 60)

	steps, counters, err := e.compactor.Normalize(context.Background(), e.threadID, "m", "en")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(steps) == 0 || counters["l1_to_l2"] == 0 {
		t.Fatalf("normalizer made no progress: steps=%v counters=%v", steps, counters)
	}

	l2s, _ := e.repo.GetL2Asc(context.Background(), e.threadID, 0)
	if len(l2s) == 0 {
		t.Fatalf("no grouped summary written")
	}
}

func TestMinPairsOverridesCap(t *testing.T) {
	cfg := tightCtxCfg()
	cfg.ROutMin = 1 // compaction not needed for this check
	mem := defaultMemCfg()
	mem.L1Share = 0.05 // tiny cap, below two pairs
	e := newEnv(t, 512, cfg, mem)
	e.seedPairs(t, 5, 60)

	asm, err := e.assembler.Assemble(context.Background(), AssembleInput{
		ThreadID:        e.threadID,
		ModelID:         "m",
		CurrentUserText: "hi",
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if asm.L1PairsCount != 2 {
		t.Fatalf("l1 pairs = %d, want the guaranteed minimum 2", asm.L1PairsCount)
	}
	if asm.Breakdown.L1 <= asm.Caps.L1 {
		t.Fatalf("expected L1 over its cap (%d > %d) due to the minimum",
			asm.Breakdown.L1, asm.Caps.L1)
	}
}

func TestSplitPairs(t *testing.T) {
	msgs := []*entity.Message{
		{ID: "u1", Role: entity.RoleUser, Content: "first"},
		{ID: "a1", Role: entity.RoleAssistant, Content: "answer one"},
		{ID: "u2", Role: entity.RoleUser, Content: "orphan user"},
		{ID: "u3", Role: entity.RoleUser, Content: "second"},
		{ID: "a3", Role: entity.RoleAssistant, Content: "answer two"},
	}
	pairs := SplitPairs(msgs, 120, 80)
	if len(pairs) != 2 {
		t.Fatalf("pairs = %d, want 2", len(pairs))
	}
	if pairs[0].UserID != "u1" || pairs[1].UserID != "u3" {
		t.Fatalf("order wrong: %+v", pairs)
	}
	if pairs[1].AssistantText != "answer two" {
		t.Fatalf("pair content wrong: %+v", pairs[1])
	}
}

func TestSplitPairsAppliesSecondaryCaps(t *testing.T) {
	long := strings.Repeat("x", 2000)
	msgs := []*entity.Message{
		{ID: "u1", Role: entity.RoleUser, Content: long},
		{ID: "a1", Role: entity.RoleAssistant, Content: long},
	}
	pairs := SplitPairs(msgs, 120, 80)
	if got := ApproxTokens(pairs[0].UserText); got > 120 {
		t.Fatalf("user side = %d tokens, cap 120", got)
	}
	if got := ApproxTokens(pairs[0].AssistantText); got > 80 {
		t.Fatalf("assistant side = %d tokens, cap 80", got)
	}
}

func TestDetectLang(t *testing.T) {
	if got := DetectLang("", "Привет, как дела?", ""); got != "ru" {
		t.Fatalf("cyrillic text => %q, want ru", got)
	}
	if got := DetectLang("", "hello there", "ru"); got != "ru" {
		t.Fatalf("profile preference => %q, want ru", got)
	}
	if got := DetectLang("en", "Привет", "ru"); got != "en" {
		t.Fatalf("explicit hint wins => %q, want en", got)
	}
	if got := DetectLang("", "hello", ""); got != "en" {
		t.Fatalf("default => %q, want en", got)
	}
}

func TestRenderCoreProfileOrder(t *testing.T) {
	text := RenderCoreProfile(&entity.Profile{
		DisplayName:       "Alex",
		PreferredLanguage: "en",
		OS:                "linux",
	})
	nameIdx := strings.Index(text, "Name: Alex")
	osIdx := strings.Index(text, "OS: linux")
	if nameIdx < 0 || osIdx < 0 || nameIdx > osIdx {
		t.Fatalf("field order broken:\n%s", text)
	}
}

func TestBuildSystemPrelude(t *testing.T) {
	s := BuildSystemPrelude("ru", "core", "")
	if !strings.Contains(s, "ПРОФИЛЬ (ЯДРО)") {
		t.Fatalf("ru labels missing:\n%s", s)
	}
	if strings.Contains(s, "TOOL") || strings.Contains(s, "ИНСТРУМЕНТ") {
		t.Fatalf("tool block must be absent without tool text:\n%s", s)
	}

	s = BuildSystemPrelude("en", "core", "tool output")
	if !strings.Contains(s, "TOOL RESULTS") || !strings.Contains(s, "tool output") {
		t.Fatalf("tool block missing:\n%s", s)
	}
}

func TestCapTextByTokens(t *testing.T) {
	if got := CapTextByTokens("short", 100); got != "short" {
		t.Fatalf("under-cap text must be untouched")
	}
	long := strings.Repeat("y", 1000)
	if got := CapTextByTokens(long, 10); len(got) != 40 {
		t.Fatalf("clip = %d chars, want 40", len(got))
	}
	if got := CapTextByTokens("anything", 0); got != "" {
		t.Fatalf("zero cap must empty the text, got %q", got)
	}
}
