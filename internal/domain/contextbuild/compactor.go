package contextbuild

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lmrelay/lmrelay/internal/domain/memory"
	"github.com/lmrelay/lmrelay/internal/domain/repository"
	"github.com/lmrelay/lmrelay/internal/infrastructure/config"
)

// maxCompactionIterations is the hard bound on the preflight loop.
const maxCompactionIterations = 20

// Result is one assembled prompt together with the compaction work done
// to make it fit.
type Result struct {
	*Assembled
	CompactionSteps []string       `json:"compaction_steps"`
	SummaryCounters map[string]int `json:"summary_counters"`
}

// Compactor owns the watermark cascade: while a layer is above its HIGH
// mark or free output is below the minimum, perform one compaction step
// (L2→L3 first, then L1→L2, then L3 eviction) and re-measure.
type Compactor struct {
	assembler  *Assembler
	repo       repository.MemoryRepository
	summarizer memory.Summarizer
	memCfg     func() config.MemoryConfig
	ctxCfg     config.ContextConfig
	logger     *zap.Logger

	now func() int64
}

// NewCompactor builds the compactor.
func NewCompactor(
	assembler *Assembler,
	repo repository.MemoryRepository,
	summarizer memory.Summarizer,
	memCfg func() config.MemoryConfig,
	ctxCfg config.ContextConfig,
	logger *zap.Logger,
) *Compactor {
	return &Compactor{
		assembler:  assembler,
		repo:       repo,
		summarizer: summarizer,
		memCfg:     memCfg,
		ctxCfg:     ctxCfg,
		logger:     logger.With(zap.String("component", "compactor")),
		now:        func() int64 { return time.Now().Unix() },
	}
}

// AssembleWithPreflight assembles the prompt and runs the compaction
// cascade until the invariants hold, the loop stalls, or the iteration
// cap is hit. The returned Assembled reflects the post-compaction state.
func (c *Compactor) AssembleWithPreflight(ctx context.Context, in AssembleInput) (*Result, error) {
	asm, err := c.assembler.Assemble(ctx, in)
	if err != nil {
		return nil, err
	}

	steps, counters, err := c.cascade(ctx, in, &asm)
	if err != nil {
		return nil, err
	}

	c.updateState(ctx, in.ThreadID, asm)

	return &Result{
		Assembled:       asm,
		CompactionSteps: steps,
		SummaryCounters: counters,
	}, nil
}

// Normalize re-runs the cascade after the assistant reply was persisted,
// paying down compaction debt off the latency-critical path.
func (c *Compactor) Normalize(ctx context.Context, threadID, modelID, lang string) ([]string, map[string]int, error) {
	in := AssembleInput{
		ThreadID:     threadID,
		ModelID:      modelID,
		LastUserLang: lang,
	}
	asm, err := c.assembler.Assemble(ctx, in)
	if err != nil {
		return nil, nil, err
	}

	steps, counters, err := c.cascade(ctx, in, &asm)
	if err != nil {
		return nil, nil, err
	}

	c.updateState(ctx, threadID, asm)
	return steps, counters, nil
}

// cascade performs compaction steps until the exit condition. asm is
// re-assembled after every step and left pointing at the final state.
func (c *Compactor) cascade(ctx context.Context, in AssembleInput, asm **Assembled) ([]string, map[string]int, error) {
	steps := []string{}
	counters := map[string]int{}

	for iter := 0; iter < maxCompactionIterations; iter++ {
		mem := c.memCfg()
		a := *asm

		freeOutCap := a.Budget.CEff - a.Breakdown.Total - a.Budget.RSys - a.Budget.Safety
		needRoom := freeOutCap < c.ctxCfg.ROutMin

		l1High := pct(a.Breakdown.L1, a.Caps.L1) > float64(mem.L1High)
		l2High := pct(a.Breakdown.L2, a.Caps.L2) > float64(mem.L2High)
		l3High := pct(a.Breakdown.L3, a.Caps.L3) > float64(mem.L3High)

		if !l1High && !l2High && !l3High && !needRoom {
			break
		}

		// When every layer already sits at or under its LOW mark, further
		// room hunting would only gut remaining history for marginal
		// output space. Stop and let the output floor clamp.
		if !l1High && !l2High && !l3High &&
			pct(a.Breakdown.L1, a.Caps.L1) <= float64(mem.L1Low) &&
			pct(a.Breakdown.L2, a.Caps.L2) <= float64(mem.L2Low) &&
			pct(a.Breakdown.L3, a.Caps.L3) <= float64(mem.L3Low) {
			c.logger.Info("Layers at low watermarks, accepting short output window",
				zap.String("thread_id", in.ThreadID),
				zap.Int("free_out_cap", freeOutCap))
			break
		}

		stepped := false

		// L2 → L3: biggest payback per step. A failed meaningfulness
		// check keeps the source rows; the block is retried on a later
		// iteration as long as some other step still makes progress.
		if l2High || (needRoom && len(a.Includes.L2IDs) > 0) {
			ok, failed, tag, err := c.stepL2ToL3(ctx, in.ThreadID, a.Lang, mem)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				steps = append(steps, tag)
				counters["l2_to_l3"]++
				stepped = true
			} else if failed {
				counters["l3_failed"]++
			}
		}

		// L1 → L2: group the oldest pairs, keep the guaranteed minimum.
		if !stepped && (l1High || (needRoom && len(a.AllPairs) >= 2*mem.L1MinPairs)) {
			ok, tag, err := c.stepL1ToL2(ctx, in.ThreadID, a, mem)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				steps = append(steps, tag)
				counters["l1_to_l2"]++
				stepped = true
			}
		}

		// L3 evict: destructive, last resort.
		if !stepped && (l3High || (needRoom && len(a.Includes.L3IDs) > 0)) {
			n, err := c.repo.EvictL3Oldest(ctx, in.ThreadID, 3)
			if err != nil {
				return nil, nil, err
			}
			if n > 0 {
				steps = append(steps, fmt.Sprintf("l3_evict:%d", n))
				counters["l3_evict"] += n
				stepped = true
			}
		}

		if !stepped {
			// No applicable step can make progress; accept the state
			// and let the caller clamp the output floor.
			c.logger.Warn("Compaction stalled",
				zap.String("thread_id", in.ThreadID),
				zap.Int("free_out_cap", freeOutCap),
				zap.Strings("steps", steps))
			break
		}

		next, err := c.assembler.Assemble(ctx, in)
		if err != nil {
			return nil, nil, err
		}
		*asm = next
	}

	return steps, counters, nil
}

// stepL2ToL3 promotes the oldest L2 block into one micro-summary. A
// summary that stays meaningless after the retry discipline leaves the
// source rows intact (failed=true) so a later pass can retry.
func (c *Compactor) stepL2ToL3(ctx context.Context, threadID, lang string, mem config.MemoryConfig) (ok, failed bool, tag string, err error) {
	block, err := c.repo.PickOldestL2Block(ctx, threadID, mem.L3GroupSize)
	if err != nil {
		return false, false, "", err
	}
	if len(block) == 0 {
		return false, false, "", nil
	}

	texts := make([]string, 0, len(block))
	ids := make([]int64, 0, len(block))
	for _, row := range block {
		texts = append(texts, row.Text)
		ids = append(ids, row.ID)
	}

	text := c.summarizer.SummarizeL2BlockToL3(ctx, texts, lang, mem.L3GroupMaxTokens)
	if text == "" {
		c.logger.Warn("L3 summary not meaningful, keeping source L2 rows",
			zap.String("thread_id", threadID),
			zap.Int("l2_count", len(block)))
		return false, true, "", nil
	}

	if _, err := c.repo.InsertL3(ctx, threadID, ids, text, ApproxTokens(text), c.now()); err != nil {
		return false, false, "", err
	}
	return true, false, fmt.Sprintf("l2_to_l3_group:%d->1", len(block)), nil
}

// stepL1ToL2 groups the oldest K pairs into one grouped summary and
// advances the compaction marker past them.
func (c *Compactor) stepL1ToL2(ctx context.Context, threadID string, a *Assembled, mem config.MemoryConfig) (bool, string, error) {
	k := mem.L2GroupSize
	if avail := len(a.AllPairs) - mem.L1MinPairs; avail < k {
		k = avail
	}
	if k < 1 {
		return false, "", nil
	}

	group := a.AllPairs[:k]
	pairs := make([]memory.Pair, 0, k)
	for _, p := range group {
		pairs = append(pairs, memory.Pair{UserText: p.UserText, AssistantText: p.AssistantText})
	}

	text := c.summarizer.SummarizePairsGroupToL2(ctx, pairs, a.Lang, mem.L2GroupMaxTokens)
	if text == "" {
		return false, "", nil
	}

	startID := group[0].UserID
	endID := group[k-1].AssistantID
	if _, _, err := c.repo.InsertL2(ctx, threadID, startID, endID, text, ApproxTokens(text), c.now()); err != nil {
		return false, "", err
	}
	if err := c.repo.AdvanceCompaction(ctx, threadID, endID); err != nil {
		return false, "", err
	}
	return true, fmt.Sprintf("l1_to_l2_group:%d->1", k), nil
}

// updateState refreshes the diagnostic per-layer totals. Failures are
// logged only; the cache is never the source of truth.
func (c *Compactor) updateState(ctx context.Context, threadID string, a *Assembled) {
	err := c.repo.MemoryStateUpdate(ctx, threadID, a.Breakdown.L1, a.Breakdown.L2, a.Breakdown.L3)
	if err != nil {
		c.logger.Warn("Failed to update memory state", zap.String("thread_id", threadID), zap.Error(err))
	}
}
