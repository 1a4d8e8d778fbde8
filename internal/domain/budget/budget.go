package budget

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lmrelay/lmrelay/internal/infrastructure/config"
)

// Model-info source tags.
const (
	SourceLoaded  = "lmstudio.loaded_context_length"
	SourceMax     = "lmstudio.max_context_length"
	SourceDefault = "default"
)

// ModelInfo is the window record the solver consumes.
type ModelInfo struct {
	ID                  string
	LoadedContextLength *int
	MaxContextLength    *int
	State               string // loaded, loading, not-loaded, ""
	Source              string
	Err                 string
}

// Loaded reports whether the record carries a usable loaded window.
func (m ModelInfo) Loaded() bool {
	return m.State == "loaded" && m.LoadedContextLength != nil && *m.LoadedContextLength > 0
}

// ModelInfoProvider is the cache the solver reads the window from.
// Info serves from cache; Probe bypasses the cache and, on a loaded
// result, refreshes it with the full TTL.
type ModelInfoProvider interface {
	Info(ctx context.Context, modelID string) ModelInfo
	Probe(ctx context.Context, modelID string) ModelInfo
}

// Vector is the full solver output. CEff keeps its legacy name for
// diagnostics compatibility; it always equals the chosen base window.
type Vector struct {
	ModelID string `json:"model_id"`
	Source  string `json:"source"`

	CEff    int  `json:"C_eff"`
	CLoaded *int `json:"C_loaded"`
	CMax    *int `json:"C_max"`

	ROut     int `json:"R_out"`
	RSys     int `json:"R_sys"`
	Safety   int `json:"Safety"`
	BTotalIn int `json:"B_total_in"`

	CoreTokens   int `json:"core_tokens"`
	CoreCap      int `json:"core_cap"`
	CoreReserved int `json:"core_reserved"`
	CoreSysPad   int `json:"core_sys_pad"`

	BWork int `json:"B_work"`

	EffectiveMaxOutputTokens int `json:"effective_max_output_tokens"`
}

// Caps holds the per-level token budgets carved out of B_work.
type Caps struct {
	L1    int `json:"l1"`
	L2    int `json:"l2"`
	L3    int `json:"l3"`
	Tools int `json:"tools"`
}

// Solver derives reservations and level caps from the model window.
// Pure apart from the model-info lookup.
type Solver struct {
	info   ModelInfoProvider
	ctxCfg config.ContextConfig
	logger *zap.Logger

	// pollInterval is overridable in tests; defaults to 600ms.
	pollInterval time.Duration
	pollAttempts int
}

// NewSolver builds a budget solver.
func NewSolver(info ModelInfoProvider, ctxCfg config.ContextConfig, logger *zap.Logger) *Solver {
	return &Solver{
		info:         info,
		ctxCfg:       ctxCfg,
		logger:       logger.With(zap.String("component", "budget")),
		pollInterval: 600 * time.Millisecond,
		pollAttempts: 10,
	}
}

// StripProviderPrefix removes the "lm:" routing prefix from a model id.
func StripProviderPrefix(modelID string) string {
	if rest, ok := strings.CutPrefix(modelID, "lm:"); ok {
		return rest
	}
	return modelID
}

// Compute resolves the window for modelID and derives the reservation
// vector. maxOutputTokens <= 0 means "not requested".
func (s *Solver) Compute(ctx context.Context, modelID string, maxOutputTokens, coreTokens, coreCap int) Vector {
	mid := StripProviderPrefix(modelID)
	info := s.info.Info(ctx, mid)

	// A model that is still loading reports no loaded window. Poll
	// briefly so the accurate window is picked up, then proceed with
	// whatever is known.
	if !info.Loaded() {
		info = s.waitForLoad(ctx, mid, info)
	}

	cLoaded := positive(info.LoadedContextLength)
	cMax := positive(info.MaxContextLength)

	var cBase int
	var source string
	switch {
	case cLoaded != nil:
		cBase = *cLoaded
		source = SourceLoaded
	case cMax != nil:
		cBase = *cMax
		source = SourceMax
	default:
		cBase = s.ctxCfg.DefaultContextLength
		source = SourceDefault
	}

	requested := maxOutputTokens
	if requested <= 0 {
		requested = s.ctxCfg.ROutDefault
	}
	rOut := min(requested, int(math.Floor(s.ctxCfg.ROutPct*float64(cBase))))
	rSys := max(s.ctxCfg.RSysMin, int(math.Floor(s.ctxCfg.RSysPct*float64(cBase))))
	safety := int(math.Ceil(s.ctxCfg.SafetyPct * float64(cBase)))
	bTotalIn := cBase - rOut - rSys - safety

	corePad := s.ctxCfg.CoreSysPadTok
	coreReserved := min(coreCap+corePad, max(0, bTotalIn))
	bWork := max(0, bTotalIn-coreReserved)

	return Vector{
		ModelID:                  mid,
		Source:                   source,
		CEff:                     cBase,
		CLoaded:                  cLoaded,
		CMax:                     cMax,
		ROut:                     rOut,
		RSys:                     rSys,
		Safety:                   safety,
		BTotalIn:                 bTotalIn,
		CoreTokens:               coreTokens,
		CoreCap:                  coreCap,
		CoreReserved:             coreReserved,
		CoreSysPad:               corePad,
		BWork:                    bWork,
		EffectiveMaxOutputTokens: rOut,
	}
}

// LevelCaps splits B_work into L1/L2/L3 caps after the tool slice is
// taken out. toolsTokens is clamped to its max share of B_work.
func LevelCaps(mem config.MemoryConfig, bWork, toolsTokens int) Caps {
	if bWork <= 0 {
		return Caps{}
	}
	toolsCap := int(math.Floor(mem.ToolsMaxShare * float64(bWork)))
	tools := min(max(0, toolsTokens), toolsCap)
	workLeft := max(0, bWork-tools)
	return Caps{
		L1:    int(math.Floor(mem.L1Share * float64(workLeft))),
		L2:    int(math.Floor(mem.L2Share * float64(workLeft))),
		L3:    int(math.Floor(mem.L3Share * float64(workLeft))),
		Tools: tools,
	}
}

func (s *Solver) waitForLoad(ctx context.Context, mid string, last ModelInfo) ModelInfo {
	for i := 0; i < s.pollAttempts; i++ {
		select {
		case <-ctx.Done():
			return last
		case <-time.After(s.pollInterval):
		}
		latest := s.info.Probe(ctx, mid)
		if latest.Loaded() {
			s.logger.Debug("Model finished loading during budget poll",
				zap.String("model", mid),
				zap.Intp("loaded_context_length", latest.LoadedContextLength))
			return latest
		}
		last = latest
	}
	return last
}

func positive(v *int) *int {
	if v != nil && *v > 0 {
		return v
	}
	return nil
}
