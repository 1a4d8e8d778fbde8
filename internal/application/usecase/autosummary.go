package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lmrelay/lmrelay/internal/domain/budget"
	"github.com/lmrelay/lmrelay/internal/domain/entity"
	"github.com/lmrelay/lmrelay/internal/domain/memory"
	"github.com/lmrelay/lmrelay/internal/domain/repository"
	"github.com/lmrelay/lmrelay/internal/infrastructure/config"
	"github.com/lmrelay/lmrelay/internal/infrastructure/lmstudio"
)

// AutoSummaryUseCase maintains the single thread-level summary field.
// It is entirely separate from L1/L2/L3 compaction: its debounce state
// lives on the thread row (is_summarizing, last_summary_run_at) and is
// never consulted by the compactor.
type AutoSummaryUseCase struct {
	repo   repository.MemoryRepository
	gen    memory.Generator
	cfg    config.SummaryConfig
	logger *zap.Logger

	now func() time.Time
}

// NewAutoSummaryUseCase builds the auto-summary runner.
func NewAutoSummaryUseCase(repo repository.MemoryRepository, gen memory.Generator, cfg config.SummaryConfig, logger *zap.Logger) *AutoSummaryUseCase {
	return &AutoSummaryUseCase{
		repo:   repo,
		gen:    gen,
		cfg:    cfg,
		logger: logger.With(zap.String("usecase", "autosummary")),
		now:    time.Now,
	}
}

// MaybeRun regenerates the thread summary when the source changed and the
// trigger conditions hold. Errors are logged, never returned: the summary
// is best-effort metadata.
func (uc *AutoSummaryUseCase) MaybeRun(ctx context.Context, threadID, model, lang string) {
	th, err := uc.repo.GetThread(ctx, threadID)
	if err != nil {
		uc.logger.Warn("Thread lookup failed", zap.String("thread_id", threadID), zap.Error(err))
		return
	}

	msgs, err := uc.repo.GetMessagesAsc(ctx, threadID, "", 0)
	if err != nil || len(msgs) == 0 {
		return
	}

	hash := sourceHash(msgs)
	if hash == th.SummarySourceHash {
		return
	}

	tokens := 0
	for _, m := range msgs {
		if m.TotalTokens != nil {
			tokens += *m.TotalTokens
		} else {
			tokens += lmstudio.ApproxTokens(m.Content)
		}
	}
	fresh := th.SummaryUpdatedAt != nil &&
		uc.now().Sub(*th.SummaryUpdatedAt) < time.Duration(uc.cfg.MaxAgeSec)*time.Second
	if tokens < uc.cfg.TriggerTokens && th.Summary != "" && fresh {
		return
	}

	// Debounce.
	nowUnix := uc.now().Unix()
	if th.IsSummarizing {
		return
	}
	if th.LastSummaryRunAt > 0 && nowUnix-th.LastSummaryRunAt < int64(uc.cfg.DebounceSec) {
		return
	}
	if err := uc.repo.SetThreadSummarizing(ctx, threadID, true, nowUnix); err != nil {
		uc.logger.Warn("Failed to mark thread summarizing", zap.Error(err))
		return
	}

	summary, quality := uc.summarize(ctx, model, lang, msgs)
	if summary == "" {
		// Nothing usable; release the flag and keep the old summary.
		if err := uc.repo.SetThreadSummarizing(ctx, threadID, false, 0); err != nil {
			uc.logger.Warn("Failed to clear summarizing flag", zap.Error(err))
		}
		return
	}
	summary = clampRunes(summary, uc.cfg.MaxChars)

	if err := uc.repo.SaveThreadSummary(ctx, threadID, summary, lang, quality, hash); err != nil {
		uc.logger.Warn("Failed to save thread summary", zap.Error(err))
		return
	}
	uc.logger.Info("Thread summary updated",
		zap.String("thread_id", threadID),
		zap.String("quality", quality),
		zap.Int("chars", len(summary)))
}

// summarize tries the upstream first; on failure or junk output it builds
// a draft from the newest turns.
func (uc *AutoSummaryUseCase) summarize(ctx context.Context, model, lang string, msgs []*entity.Message) (string, string) {
	genModel := uc.cfg.DefaultModel
	if genModel == "" {
		genModel = budget.StripProviderPrefix(model)
	}

	source := renderSummarySource(msgs, 30)
	system := summarySystemPrompt(lang)

	text, err := uc.gen.Generate(ctx, genModel, system, source, 0.2, uc.cfg.GenMaxTokens)
	if err == nil {
		if t := memory.SanitizeForMemory(text); memory.IsMeaningful(t, 12) {
			return t, "ok"
		}
	} else {
		uc.logger.Warn("Summary generation failed, building draft", zap.Error(err))
	}

	// Draft fallback: first lines of the newest exchanges.
	var lines []string
	for i := len(msgs) - 1; i >= 0 && len(lines) < 4; i-- {
		if l := memory.FirstLine(msgs[i].Content, 120); l != "" {
			lines = append([]string{"- " + l}, lines...)
		}
	}
	if len(lines) == 0 {
		return "", ""
	}
	return strings.Join(lines, "\n"), "draft"
}

// sourceHash fingerprints the summarizable history so an unchanged thread
// never re-triggers generation.
func sourceHash(msgs []*entity.Message) string {
	h := sha256.New()
	for _, m := range msgs {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00", m.ID, m.Role, m.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func renderSummarySource(msgs []*entity.Message, maxMsgs int) string {
	if len(msgs) > maxMsgs {
		msgs = msgs[len(msgs)-maxMsgs:]
	}
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

func summarySystemPrompt(lang string) string {
	if lang == "ru" {
		return "Составь краткое резюме диалога: темы, решения, открытые вопросы. Не более одного абзаца."
	}
	return "Write a brief summary of the conversation: topics, decisions, open questions. One paragraph at most."
}

func clampRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
