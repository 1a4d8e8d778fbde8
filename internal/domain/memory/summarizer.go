package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Generator is the minimal upstream capability the summarizer needs:
// one non-streaming completion with a bounded output budget.
type Generator interface {
	Generate(ctx context.Context, model, system, user string, temperature float64, maxTokens int) (string, error)
}

// Summarizer produces the L2/L3 texts consumed by the compactor. It never
// returns an error: every failure degrades to a local heuristic, and an
// L3 block that stays meaningless after all fallbacks comes back empty so
// the caller can skip the step without deleting source rows.
type Summarizer interface {
	// SummarizePairToL2 condenses one (user, assistant) exchange into a
	// short fact-oriented note.
	SummarizePairToL2(ctx context.Context, userText, assistantText, lang string) string

	// SummarizePairsGroupToL2 condenses a contiguous run of pairs into one
	// grouped note (bullets or a few sentences).
	SummarizePairsGroupToL2(ctx context.Context, pairs []Pair, lang string, maxTokens int) string

	// SummarizeL2BlockToL3 condenses several L2 texts into 1-2 sentences,
	// quality-checked. Empty result means "do not persist".
	SummarizeL2BlockToL3(ctx context.Context, l2Texts []string, lang string, maxTokens int) string
}

// Pair is one (user, assistant) exchange handed to the summarizer.
type Pair struct {
	UserText      string
	AssistantText string
}

// SummarizerConfig tunes the LLM-backed implementation.
type SummarizerConfig struct {
	Model            string  // model used for summary generation
	Temperature      float64 // low, 0.15-0.2
	MaxTokens        int     // SUMMARY_GEN_MAX_TOKENS
	TimeoutSec       int     // per-generation deadline, 0 = caller's ctx only
	Style            string  // sentences | bullets (L3 output shape)
	MinNonemptyChars int     // L3 meaningfulness floor
	RetryAttempts    int     // L3 stricter-prompt retries
}

// LLMSummarizer talks to the upstream with low temperature and falls back
// to text heuristics when the upstream is unavailable or produces junk.
type LLMSummarizer struct {
	gen    Generator
	cfg    SummarizerConfig
	logger *zap.Logger
}

// NewLLMSummarizer builds the default summarizer.
func NewLLMSummarizer(gen Generator, cfg SummarizerConfig, logger *zap.Logger) *LLMSummarizer {
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	return &LLMSummarizer{
		gen:    gen,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "summarizer")),
	}
}

var _ Summarizer = (*LLMSummarizer)(nil)

// generate applies the configured per-call deadline on top of ctx.
func (s *LLMSummarizer) generate(ctx context.Context, system, user string, maxTokens int) (string, error) {
	if s.cfg.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutSec)*time.Second)
		defer cancel()
	}
	return s.gen.Generate(ctx, s.cfg.Model, system, user, s.cfg.Temperature, maxTokens)
}

func (s *LLMSummarizer) SummarizePairToL2(ctx context.Context, userText, assistantText, lang string) string {
	system := pairSystemPrompt(lang)
	user := fmt.Sprintf("USER:\n%s\n\nASSISTANT:\n%s", userText, assistantText)

	text, err := s.generate(ctx, system, user, s.cfg.MaxTokens)
	if err == nil {
		if t := SanitizeForMemory(text); t != "" {
			return t
		}
	} else {
		s.logger.Warn("Pair summary generation failed, using heuristic", zap.Error(err))
	}
	return heuristicPairSummary(userText, assistantText)
}

func (s *LLMSummarizer) SummarizePairsGroupToL2(ctx context.Context, pairs []Pair, lang string, maxTokens int) string {
	if len(pairs) == 0 {
		return ""
	}
	if maxTokens <= 0 {
		maxTokens = s.cfg.MaxTokens
	}

	system := groupSystemPrompt(lang, len(pairs))
	var b strings.Builder
	for i, p := range pairs {
		fmt.Fprintf(&b, "EXCHANGE %d\nUSER:\n%s\nASSISTANT:\n%s\n\n", i+1, p.UserText, p.AssistantText)
	}

	text, err := s.generate(ctx, system, b.String(), maxTokens)
	if err == nil {
		if t := SanitizeForMemory(text); t != "" {
			return t
		}
	} else {
		s.logger.Warn("Group summary generation failed, using heuristic", zap.Error(err))
	}

	bullets := make([]string, 0, len(pairs))
	for _, p := range pairs {
		bullets = append(bullets, heuristicPairSummary(p.UserText, p.AssistantText))
	}
	return strings.Join(bullets, "\n")
}

func (s *LLMSummarizer) SummarizeL2BlockToL3(ctx context.Context, l2Texts []string, lang string, maxTokens int) string {
	if len(l2Texts) == 0 {
		return ""
	}
	if maxTokens <= 0 {
		maxTokens = s.cfg.MaxTokens
	}

	source := strings.Join(l2Texts, "\n")

	text := s.tryL3(ctx, blockSystemPrompt(lang, s.cfg.Style), source, maxTokens)
	if IsMeaningful(text, s.cfg.MinNonemptyChars) {
		return text
	}

	// Stricter retry: one line, no bullets.
	for i := 0; i < s.cfg.RetryAttempts; i++ {
		text = s.tryL3(ctx, strictBlockSystemPrompt(lang), source, maxTokens)
		if IsMeaningful(text, s.cfg.MinNonemptyChars) {
			return text
		}
	}

	// Heuristic: first two sentences of the concatenated source.
	text = FirstSentences(source, 2)
	if IsMeaningful(text, s.cfg.MinNonemptyChars) {
		s.logger.Info("L3 summary degraded to heuristic")
		return text
	}

	s.logger.Warn("L3 summary meaningless after retries, skipping block",
		zap.Int("l2_count", len(l2Texts)))
	return ""
}

func (s *LLMSummarizer) tryL3(ctx context.Context, system, source string, maxTokens int) string {
	text, err := s.generate(ctx, system, source, maxTokens)
	if err != nil {
		s.logger.Warn("L3 summary generation failed", zap.Error(err))
		return ""
	}
	return SanitizeForMemory(text)
}

// heuristicPairSummary is the no-upstream fallback: first lines of both
// sides joined into one note.
func heuristicPairSummary(userText, assistantText string) string {
	u := FirstLine(SanitizeForMemory(userText), 120)
	a := FirstLine(SanitizeForMemory(assistantText), 120)
	switch {
	case u == "" && a == "":
		return ""
	case a == "":
		return "- " + u
	case u == "":
		return "- " + a
	default:
		return fmt.Sprintf("- %s → %s", u, a)
	}
}

// FirstSentences returns the first n sentences of text, splitting on
// terminal punctuation. Falls back to the first line when no sentence
// boundary exists.
func FirstSentences(text string, n int) string {
	text = strings.TrimSpace(text)
	if text == "" || n <= 0 {
		return ""
	}

	var sentences []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			s := strings.TrimSpace(text[start : i+1])
			if s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
			if len(sentences) >= n {
				break
			}
		}
	}
	if len(sentences) == 0 {
		return FirstLine(text, 400)
	}
	return strings.Join(sentences, " ")
}

// --- Prompts ---

func pairSystemPrompt(lang string) string {
	if lang == "ru" {
		return "Суммируй обмен репликами в 1-3 строки. Только факты, без рассуждений. Сохраняй язык пользователя."
	}
	return "Summarize the exchange in 1-3 lines. Facts only, no reasoning. Keep the user's language."
}

func groupSystemPrompt(lang string, count int) string {
	if lang == "ru" {
		return fmt.Sprintf("Суммируй %d обменов репликами: 3-6 пунктов или 2-4 предложения, охватывающих весь блок. Только факты.", count)
	}
	return fmt.Sprintf("Summarize %d exchanges as 3-6 bullets or 2-4 sentences covering the whole block. Facts only.", count)
}

func blockSystemPrompt(lang, style string) string {
	if lang == "ru" {
		if style == "bullets" {
			return "Сожми эти заметки в 1-2 коротких пункта. Только ключевые факты."
		}
		return "Сожми эти заметки в 1-2 предложения. Только ключевые факты."
	}
	if style == "bullets" {
		return "Condense these notes into 1-2 short bullets. Key facts only."
	}
	return "Condense these notes into 1-2 sentences. Key facts only."
}

func strictBlockSystemPrompt(lang string) string {
	if lang == "ru" {
		return "Одна строка, без маркеров списка: назови главные факты из заметок."
	}
	return "One line, no bullets: state the main facts from these notes."
}
