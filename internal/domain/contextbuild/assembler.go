package contextbuild

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/lmrelay/lmrelay/internal/domain/budget"
	"github.com/lmrelay/lmrelay/internal/domain/entity"
	"github.com/lmrelay/lmrelay/internal/domain/memory"
	"github.com/lmrelay/lmrelay/internal/domain/repository"
	"github.com/lmrelay/lmrelay/internal/infrastructure/config"
)

// Token-count mode tags as reported by the counter.
const (
	ModeProxy  = "proxy-http"
	ModeApprox = "approx"
)

// Message is one provider message of the assembled prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenCounter measures a prompt against the model's tokenizer, reporting
// the counting mode alongside.
type TokenCounter interface {
	CountChat(ctx context.Context, model string, messages []Message) (int, string)
}

// Breakdown is the per-layer token accounting of one assembled prompt,
// derived from progressive cumulative counts so layer numbers always sum
// to the total.
type Breakdown struct {
	System int    `json:"system"`
	L3     int    `json:"l3"`
	L2     int    `json:"l2"`
	L1     int    `json:"l1"`
	User   int    `json:"user"`
	Total  int    `json:"total"`
	Mode   string `json:"token_count_mode"`
}

// Pair is one (user, assistant) exchange with its message ids.
type Pair struct {
	UserID        string
	AssistantID   string
	UserText      string
	AssistantText string
}

// PairRef identifies a pair in diagnostics.
type PairRef struct {
	UserID      string `json:"user_id"`
	AssistantID string `json:"assistant_id"`
}

// Includes lists exactly which stored rows made it into the prompt.
type Includes struct {
	L3IDs   []int64   `json:"l3_ids"`
	L2IDs   []int64   `json:"l2_ids"`
	L1Pairs []PairRef `json:"l1_pairs"`
}

// AssembleInput carries everything the assembler needs for one request.
type AssembleInput struct {
	ThreadID          string
	ModelID           string
	MaxOutputTokens   int
	ToolResultsText   string
	ToolResultsTokens int
	LastUserLang      string
	CurrentUserText   string
	CurrentUserID     string
}

// Assembled is the full output of one assembly pass.
type Assembled struct {
	Messages  []Message
	Breakdown Breakdown
	Caps      budget.Caps
	Budget    budget.Vector
	Lang      string

	L1PairsCount   int
	FreeOutCap     int
	FillPct        map[string]float64
	FreePct        map[string]float64
	Includes       Includes
	L1OrderPreview []string

	// AllPairs is the compaction universe (pairs after the marker, in
	// chronological order); ChosenFrom is the index of the first pair
	// included in L1.
	AllPairs   []Pair
	ChosenFrom int
}

// L2Pct and friends report layer fill against cap, integer percent.
func pct(used, cap int) float64 {
	if cap <= 0 {
		if used > 0 {
			return 100
		}
		return 0
	}
	return 100 * float64(used) / float64(cap)
}

// Assembler builds the provider message list for one thread under the
// model's window. Pure reader: it never mutates the store.
type Assembler struct {
	repo    repository.MemoryRepository
	profile repository.ProfileRepository
	solver  *budget.Solver
	counter TokenCounter
	memCfg  func() config.MemoryConfig
	logger  *zap.Logger
}

// NewAssembler builds the context assembler. memCfg is read on every pass
// so hot-reloaded watermarks take effect immediately.
func NewAssembler(
	repo repository.MemoryRepository,
	profile repository.ProfileRepository,
	solver *budget.Solver,
	counter TokenCounter,
	memCfg func() config.MemoryConfig,
	logger *zap.Logger,
) *Assembler {
	return &Assembler{
		repo:    repo,
		profile: profile,
		solver:  solver,
		counter: counter,
		memCfg:  memCfg,
		logger:  logger.With(zap.String("component", "assembler")),
	}
}

// Assemble runs one full assembly pass.
func (a *Assembler) Assemble(ctx context.Context, in AssembleInput) (*Assembled, error) {
	mem := a.memCfg()

	prof, err := a.profile.GetProfile(ctx)
	if err != nil {
		return nil, err
	}
	lang := DetectLang(in.LastUserLang, in.CurrentUserText, prof.PreferredLanguage)

	coreText := RenderCoreProfile(prof)
	coreTokens := ApproxTokens(coreText)
	coreCap := CoreCap(coreTokens)

	vec := a.solver.Compute(ctx, in.ModelID, in.MaxOutputTokens, coreTokens, coreCap)

	// Tool slice, clamped to its share of the working budget.
	toolTokens := in.ToolResultsTokens
	if toolTokens <= 0 && in.ToolResultsText != "" {
		toolTokens = ApproxTokens(in.ToolResultsText)
	}
	caps := budget.LevelCaps(mem, vec.BWork, toolTokens)
	toolsText := ""
	if caps.Tools > 0 && in.ToolResultsText != "" {
		toolsText = memory.SanitizeForMemory(CapTextByTokens(in.ToolResultsText, caps.Tools))
	}

	systemMsg := []Message{{
		Role:    entity.RoleSystem,
		Content: BuildSystemPrelude(lang, coreText, toolsText),
	}}

	// Recap layers, oldest first, one tagged assistant message per row.
	l3Rows, err := a.repo.GetL3Asc(ctx, in.ThreadID, 0)
	if err != nil {
		return nil, err
	}
	l2Rows, err := a.repo.GetL2Asc(ctx, in.ThreadID, 0)
	if err != nil {
		return nil, err
	}

	var l3Msgs []Message
	var l3IDs []int64
	for _, row := range l3Rows {
		l3Msgs = append(l3Msgs, Message{
			Role:    entity.RoleAssistant,
			Content: RenderRecap("l3", row.ID, memory.SanitizeForMemory(row.Text)),
		})
		l3IDs = append(l3IDs, row.ID)
	}

	var l2Msgs []Message
	var l2IDs []int64
	for _, row := range l2Rows {
		l2Msgs = append(l2Msgs, Message{
			Role:    entity.RoleAssistant,
			Content: RenderRecap("l2", row.ID, memory.SanitizeForMemory(row.Text)),
		})
		l2IDs = append(l2IDs, row.ID)
	}

	pairs, err := a.loadPairs(ctx, in.ThreadID, in.CurrentUserID, mem)
	if err != nil {
		return nil, err
	}

	userMsgs := []Message{}
	if in.CurrentUserText != "" {
		userMsgs = append(userMsgs, Message{Role: entity.RoleUser, Content: in.CurrentUserText})
	}

	// Fill L1 newest-to-oldest: accept a pair only while the L1 cap and
	// the window invariant both hold for the measured trial.
	chosenFrom := len(pairs)
	var breakdown Breakdown
	breakdown = a.measure(ctx, in.ModelID, systemMsg, l3Msgs, l2Msgs, nil, userMsgs)

	for i := len(pairs) - 1; i >= 0; i-- {
		trialMsgs := pairMessages(pairs[i:])
		trial := a.measure(ctx, in.ModelID, systemMsg, l3Msgs, l2Msgs, trialMsgs, userMsgs)
		if trial.L1 > caps.L1 {
			break
		}
		if vec.CEff-trial.Total-vec.RSys-vec.Safety < 0 {
			break
		}
		chosenFrom = i
		breakdown = trial
	}

	// Guarantee a minimum number of raw pairs. This overrides the L1 cap
	// but never the window: the compactor restores the invariant next.
	minPairs := mem.L1MinPairs
	for len(pairs)-chosenFrom < minPairs && chosenFrom > 0 {
		chosenFrom--
		breakdown = a.measure(ctx, in.ModelID, systemMsg, l3Msgs, l2Msgs, pairMessages(pairs[chosenFrom:]), userMsgs)
	}

	chosen := pairs[chosenFrom:]
	l1Msgs := pairMessages(chosen)

	msgs := make([]Message, 0, len(systemMsg)+len(l3Msgs)+len(l2Msgs)+len(l1Msgs)+len(userMsgs))
	msgs = append(msgs, systemMsg...)
	msgs = append(msgs, l3Msgs...)
	msgs = append(msgs, l2Msgs...)
	msgs = append(msgs, l1Msgs...)
	msgs = append(msgs, userMsgs...)

	freeOutCap := vec.CEff - breakdown.Total - vec.RSys - vec.Safety

	includes := Includes{L3IDs: l3IDs, L2IDs: l2IDs}
	preview := make([]string, 0, len(chosen))
	for _, p := range chosen {
		includes.L1Pairs = append(includes.L1Pairs, PairRef{UserID: p.UserID, AssistantID: p.AssistantID})
		preview = append(preview, fmt.Sprintf("%s->%s", p.UserID, p.AssistantID))
	}

	fill := map[string]float64{
		"l1": pct(breakdown.L1, caps.L1),
		"l2": pct(breakdown.L2, caps.L2),
		"l3": pct(breakdown.L3, caps.L3),
	}
	free := map[string]float64{
		"l1": math.Max(0, 100-fill["l1"]),
		"l2": math.Max(0, 100-fill["l2"]),
		"l3": math.Max(0, 100-fill["l3"]),
	}

	return &Assembled{
		Messages:       msgs,
		Breakdown:      breakdown,
		Caps:           caps,
		Budget:         vec,
		Lang:           lang,
		L1PairsCount:   len(chosen),
		FreeOutCap:     freeOutCap,
		FillPct:        fill,
		FreePct:        free,
		Includes:       includes,
		L1OrderPreview: preview,
		AllPairs:       pairs,
		ChosenFrom:     chosenFrom,
	}, nil
}

// loadPairs builds the pairing universe: user/assistant messages after
// the compaction marker, split into chronological pairs with the
// secondary per-side token caps applied.
func (a *Assembler) loadPairs(ctx context.Context, threadID, excludeID string, mem config.MemoryConfig) ([]Pair, error) {
	state, err := a.repo.MemoryStateRead(ctx, threadID)
	if err != nil {
		return nil, err
	}
	msgs, err := a.repo.GetMessagesAsc(ctx, threadID, excludeID, 0)
	if err != nil {
		return nil, err
	}

	if state.LastCompactedMessageID != "" {
		for i, m := range msgs {
			if m.ID == state.LastCompactedMessageID {
				msgs = msgs[i+1:]
				break
			}
		}
	}

	return SplitPairs(msgs, mem.CapTokUser, mem.CapTokAssistant), nil
}

// SplitPairs walks the history from the end, pairing each assistant turn
// with the user turn right before it. Unpaired turns are dropped.
func SplitPairs(msgs []*entity.Message, capUser, capAssistant int) []Pair {
	var pairs []Pair
	for i := len(msgs) - 1; i >= 1; i-- {
		if msgs[i].Role != entity.RoleAssistant || msgs[i-1].Role != entity.RoleUser {
			continue
		}
		u, a := msgs[i-1], msgs[i]
		uText, aText := u.Content, a.Content
		if capUser > 0 && ApproxTokens(uText) > capUser {
			uText = CapTextByTokens(uText, capUser)
		}
		if capAssistant > 0 && ApproxTokens(aText) > capAssistant {
			aText = CapTextByTokens(aText, capAssistant)
		}
		pairs = append(pairs, Pair{
			UserID:        u.ID,
			AssistantID:   a.ID,
			UserText:      uText,
			AssistantText: aText,
		})
		i-- // consume the user turn too
	}
	// Reverse into chronological order.
	for l, r := 0, len(pairs)-1; l < r; l, r = l+1, r-1 {
		pairs[l], pairs[r] = pairs[r], pairs[l]
	}
	return pairs
}

func pairMessages(pairs []Pair) []Message {
	msgs := make([]Message, 0, 2*len(pairs))
	for _, p := range pairs {
		msgs = append(msgs, Message{Role: entity.RoleUser, Content: p.UserText})
		msgs = append(msgs, Message{Role: entity.RoleAssistant, Content: p.AssistantText})
	}
	return msgs
}

// measure computes the layer breakdown with progressive cumulative
// counts: each layer's size is the difference between two prefixes, so
// the parts always sum to the total. Any approx sub-count downgrades the
// whole breakdown's mode tag.
func (a *Assembler) measure(ctx context.Context, model string, system, l3, l2, l1, user []Message) Breakdown {
	prefix := make([]Message, 0, len(system)+len(l3)+len(l2)+len(l1)+len(user))

	mode := ""
	count := func(extra []Message) int {
		prefix = append(prefix, extra...)
		n, m := a.counter.CountChat(ctx, model, prefix)
		if m == ModeApprox {
			mode = ModeApprox
		} else if mode == "" {
			mode = m
		}
		return n
	}

	t0 := count(system)
	t1 := count(l3)
	t2 := count(l2)
	t3 := count(l1)
	t4 := count(user)

	return Breakdown{
		System: t0,
		L3:     t1 - t0,
		L2:     t2 - t1,
		L1:     t3 - t2,
		User:   t4 - t3,
		Total:  t4,
		Mode:   mode,
	}
}
