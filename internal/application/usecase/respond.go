package usecase

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lmrelay/lmrelay/internal/domain/budget"
	"github.com/lmrelay/lmrelay/internal/domain/contextbuild"
	"github.com/lmrelay/lmrelay/internal/domain/entity"
	"github.com/lmrelay/lmrelay/internal/domain/repository"
	"github.com/lmrelay/lmrelay/internal/infrastructure/config"
	"github.com/lmrelay/lmrelay/internal/infrastructure/lmstudio"
	apperrors "github.com/lmrelay/lmrelay/pkg/errors"
	"github.com/lmrelay/lmrelay/pkg/safego"
)

// RespondInput is one generation request.
type RespondInput struct {
	ThreadID        string
	Model           string
	Input           string
	MaxOutputTokens int
	ToolResultsText string
}

// ContextAssembly is the per-request assembly diagnostic block.
type ContextAssembly struct {
	Tokens              contextbuild.Breakdown `json:"tokens"`
	Caps                budget.Caps            `json:"caps"`
	FillPct             map[string]float64     `json:"fill_pct"`
	FreePct             map[string]float64     `json:"free_pct"`
	FreeOutCap          int                    `json:"free_out_cap"`
	L1PairsCount        int                    `json:"l1_pairs_count"`
	TokenCountMode      string                 `json:"token_count_mode"`
	PromptTokensPrecise int                    `json:"prompt_tokens_precise"`
	Includes            contextbuild.Includes  `json:"includes"`
	CompactionSteps     []string               `json:"compaction_steps"`
	SummaryCounters     map[string]int         `json:"summary_counters"`
	L1OrderPreview      []string               `json:"l1_order_preview"`
}

// Diagnostics is the metadata block attached to every response.
type Diagnostics struct {
	ContextBudget   budget.Vector   `json:"context_budget"`
	ContextAssembly ContextAssembly `json:"context_assembly"`
}

// RespondOutput is the aggregated result of one generation.
type RespondOutput struct {
	ResponseID   string      `json:"response_id"`
	ThreadID     string      `json:"thread_id"`
	Model        string      `json:"model"`
	Status       string      `json:"status"`
	OutputText   string      `json:"output_text"`
	InputTokens  int         `json:"input_tokens"`
	OutputTokens int         `json:"output_tokens"`
	TotalTokens  int         `json:"total_tokens"`
	Diagnostics  Diagnostics `json:"metadata"`
}

// RespondUseCase glues the pipeline together: persist the user turn,
// assemble with preflight compaction, stream from upstream, persist the
// reply, then normalize. One request per thread at a time.
type RespondUseCase struct {
	repo        repository.MemoryRepository
	compactor   *contextbuild.Compactor
	client      *lmstudio.Client
	ctxCfg      config.ContextConfig
	autoSummary *AutoSummaryUseCase
	logger      *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRespondUseCase builds the orchestrator. autoSummary may be nil.
func NewRespondUseCase(
	repo repository.MemoryRepository,
	compactor *contextbuild.Compactor,
	client *lmstudio.Client,
	ctxCfg config.ContextConfig,
	autoSummary *AutoSummaryUseCase,
	logger *zap.Logger,
) *RespondUseCase {
	return &RespondUseCase{
		repo:        repo,
		compactor:   compactor,
		client:      client,
		ctxCfg:      ctxCfg,
		autoSummary: autoSummary,
		logger:      logger.With(zap.String("usecase", "respond")),
		locks:       map[string]*sync.Mutex{},
	}
}

// threadLock returns the per-thread mutex, creating it lazily. The lock
// serializes assemble -> upstream -> persist -> normalize within one
// thread while leaving other threads parallel.
func (uc *RespondUseCase) threadLock(threadID string) *sync.Mutex {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	l, ok := uc.locks[threadID]
	if !ok {
		l = &sync.Mutex{}
		uc.locks[threadID] = l
	}
	return l
}

// Execute runs one generation. onDelta, when non-nil, receives each
// streamed text fragment as it arrives.
func (uc *RespondUseCase) Execute(ctx context.Context, in RespondInput, onDelta func(string)) (*RespondOutput, error) {
	if strings.TrimSpace(in.Input) == "" {
		return nil, apperrors.NewInvalidInputError("input must not be empty")
	}
	if in.Model == "" {
		return nil, apperrors.NewInvalidInputError("model is required")
	}

	threadID := in.ThreadID
	if threadID == "" {
		th, err := uc.repo.CreateThread(ctx, "")
		if err != nil {
			return nil, err
		}
		threadID = th.ID
	} else if _, err := uc.repo.GetThread(ctx, threadID); err != nil {
		return nil, err
	}

	lock := uc.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	// Persist the user turn first so it has a stable id before assembly.
	userMsg, err := uc.repo.AppendMessage(ctx, threadID, entity.RoleUser, in.Input, nil)
	if err != nil {
		return nil, err
	}

	res, err := uc.compactor.AssembleWithPreflight(ctx, contextbuild.AssembleInput{
		ThreadID:        threadID,
		ModelID:         in.Model,
		MaxOutputTokens: in.MaxOutputTokens,
		ToolResultsText: in.ToolResultsText,
		CurrentUserText: in.Input,
		CurrentUserID:   userMsg.ID,
	})
	if err != nil {
		return nil, err
	}

	effectiveMax := uc.effectiveMaxOutput(in.MaxOutputTokens, res.Assembled)

	uc.logger.Info("Context assembled",
		zap.String("thread_id", threadID),
		zap.String("model", in.Model),
		zap.Int("prompt_tokens", res.Breakdown.Total),
		zap.Int("l1_pairs", res.L1PairsCount),
		zap.Int("free_out_cap", res.FreeOutCap),
		zap.Int("effective_max_output", effectiveMax),
		zap.Strings("compaction_steps", res.CompactionSteps))

	text, result, status, genErr := uc.generate(ctx, in.Model, res.Messages, effectiveMax, onDelta)
	if genErr != nil && text == "" && status != entity.ResponseCancelled {
		uc.saveResponse(threadID, in, "", entity.ResponseError, result, res)
		return nil, apperrors.NewBadGatewayError("upstream generation failed", genErr)
	}

	// Persist the assistant turn (partial text on cancel) and the
	// response record, then normalize with a fresh context so debt does
	// not accumulate when the client went away.
	bg := context.WithoutCancel(ctx)

	usage := usageCounts(result, res.Breakdown.Total, text)
	if _, err := uc.repo.AppendMessage(bg, threadID, entity.RoleAssistant, text, usage); err != nil {
		uc.logger.Error("Failed to persist assistant message", zap.Error(err))
	}
	respID := uc.saveResponse(threadID, in, text, status, result, res)

	normSteps, normCounters, err := uc.compactor.Normalize(bg, threadID, in.Model, res.Lang)
	if err != nil {
		uc.logger.Warn("Post-reply normalization failed", zap.Error(err))
	}

	if uc.autoSummary != nil {
		safego.Go(uc.logger, "auto-summary", func() {
			uc.autoSummary.MaybeRun(context.Background(), threadID, in.Model, res.Lang)
		})
	}

	out := &RespondOutput{
		ResponseID: respID,
		ThreadID:   threadID,
		Model:      in.Model,
		Status:     status,
		OutputText: text,
	}
	if usage != nil {
		out.InputTokens = intOrZero(usage.Input)
		out.OutputTokens = intOrZero(usage.Output)
		out.TotalTokens = intOrZero(usage.Total)
	}
	out.Diagnostics = uc.diagnostics(res, result, effectiveMax, normSteps, normCounters)
	return out, nil
}

// generate streams the completion, aggregating deltas locally so the
// partial text survives cancellation.
func (uc *RespondUseCase) generate(ctx context.Context, model string, messages []contextbuild.Message, maxTokens int, onDelta func(string)) (string, *lmstudio.Result, string, error) {
	upMsgs := make([]lmstudio.ChatMessage, len(messages))
	for i, m := range messages {
		upMsgs[i] = lmstudio.ChatMessage{Role: m.Role, Content: m.Content}
	}

	deltaCh := make(chan lmstudio.StreamChunk, 16)
	type streamResult struct {
		res *lmstudio.Result
		err error
	}
	resCh := make(chan streamResult, 1)

	safego.Go(uc.logger, "upstream-stream", func() {
		r, err := uc.client.ChatStream(ctx, budget.StripProviderPrefix(model), upMsgs, -1, maxTokens, deltaCh)
		resCh <- streamResult{r, err}
		close(deltaCh)
	})

	var b strings.Builder
	for chunk := range deltaCh {
		if chunk.DeltaText == "" {
			continue
		}
		b.WriteString(chunk.DeltaText)
		if onDelta != nil {
			onDelta(chunk.DeltaText)
		}
	}
	sr := <-resCh

	switch {
	case sr.err == nil:
		return sr.res.Content, sr.res, entity.ResponseCompleted, nil
	case ctx.Err() != nil:
		uc.logger.Info("Generation cancelled, keeping partial text",
			zap.Int("partial_chars", b.Len()))
		return b.String(), sr.res, entity.ResponseCancelled, sr.err
	default:
		return b.String(), sr.res, entity.ResponseError, sr.err
	}
}

// effectiveMaxOutput clamps the caller's request into [R_OUT_FLOOR,
// free_out_cap]. A compaction stall can leave free_out_cap below the
// floor; the floor wins so the upstream always gets room to answer.
func (uc *RespondUseCase) effectiveMaxOutput(requested int, a *contextbuild.Assembled) int {
	eff := requested
	if eff <= 0 {
		eff = a.Budget.ROut
	}
	if eff > a.FreeOutCap {
		eff = a.FreeOutCap
	}
	if eff < uc.ctxCfg.ROutFloor {
		eff = uc.ctxCfg.ROutFloor
	}
	return eff
}

func (uc *RespondUseCase) saveResponse(threadID string, in RespondInput, text, status string, result *lmstudio.Result, res *contextbuild.Result) string {
	respID := "resp_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	reqJSON, _ := json.Marshal(map[string]interface{}{
		"thread_id":         in.ThreadID,
		"model":             in.Model,
		"input":             in.Input,
		"max_output_tokens": in.MaxOutputTokens,
	})
	respJSON, _ := json.Marshal(map[string]interface{}{
		"output_text":      text,
		"compaction_steps": res.CompactionSteps,
	})

	rec := &entity.Response{
		ID:              respID,
		ThreadID:        threadID,
		RequestJSON:     string(reqJSON),
		ResponseJSON:    string(respJSON),
		Status:          status,
		Model:           in.Model,
		ProviderName:    "lmstudio",
		ProviderBaseURL: uc.client.BaseURL(),
		CreatedAt:       time.Now(),
	}
	if result != nil && result.Usage != nil {
		rec.InputTokens = result.Usage.PromptTokens
		rec.OutputTokens = result.Usage.CompletionTokens
		rec.TotalTokens = result.Usage.Total()
	}

	if err := uc.repo.SaveResponse(context.Background(), rec); err != nil {
		uc.logger.Error("Failed to persist response record", zap.Error(err))
	}
	return respID
}

// diagnostics merges the preflight and normalizer step logs into the
// metadata block surfaced to the client.
func (uc *RespondUseCase) diagnostics(res *contextbuild.Result, result *lmstudio.Result, effectiveMax int, normSteps []string, normCounters map[string]int) Diagnostics {
	vec := res.Budget
	vec.EffectiveMaxOutputTokens = effectiveMax

	steps := append([]string{}, res.CompactionSteps...)
	steps = append(steps, normSteps...)

	counters := map[string]int{}
	for k, v := range res.SummaryCounters {
		counters[k] += v
	}
	for k, v := range normCounters {
		counters[k] += v
	}

	precise := res.Breakdown.Total
	if result != nil && result.Usage != nil && result.Usage.PromptTokens > 0 {
		precise = result.Usage.PromptTokens
	}

	return Diagnostics{
		ContextBudget: vec,
		ContextAssembly: ContextAssembly{
			Tokens:              res.Breakdown,
			Caps:                res.Caps,
			FillPct:             res.FillPct,
			FreePct:             res.FreePct,
			FreeOutCap:          res.FreeOutCap,
			L1PairsCount:        res.L1PairsCount,
			TokenCountMode:      res.Breakdown.Mode,
			PromptTokensPrecise: precise,
			Includes:            res.Includes,
			CompactionSteps:     steps,
			SummaryCounters:     counters,
			L1OrderPreview:      res.L1OrderPreview,
		},
	}
}

func usageCounts(result *lmstudio.Result, promptTokens int, text string) *entity.TokenCounts {
	if result != nil && result.Usage != nil && result.Usage.Total() > 0 {
		return &entity.TokenCounts{
			Input:  &result.Usage.PromptTokens,
			Output: &result.Usage.CompletionTokens,
			Total:  intPtr(result.Usage.Total()),
		}
	}
	out := lmstudio.ApproxTokens(text)
	return &entity.TokenCounts{
		Input:  &promptTokens,
		Output: &out,
		Total:  intPtr(promptTokens + out),
	}
}

func intPtr(n int) *int { return &n }

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
