package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lmrelay/lmrelay/internal/domain/budget"
	"github.com/lmrelay/lmrelay/internal/domain/contextbuild"
	"github.com/lmrelay/lmrelay/internal/domain/repository"
)

// ModelHandler exposes the context-budget diagnostic for a model.
type ModelHandler struct {
	info    budget.ModelInfoProvider
	solver  *budget.Solver
	profile repository.ProfileRepository
	logger  *zap.Logger
}

// NewModelHandler creates the model diagnostics handler.
func NewModelHandler(info budget.ModelInfoProvider, solver *budget.Solver, profile repository.ProfileRepository, logger *zap.Logger) *ModelHandler {
	return &ModelHandler{
		info:    info,
		solver:  solver,
		profile: profile,
		logger:  logger.With(zap.String("handler", "model")),
	}
}

// Context handles GET /v1/models/:id/context: the live model-info record
// plus the solver vector for a hypothetical request. The optional
// max_output_tokens query parameter plays the caller's request.
func (h *ModelHandler) Context(c *gin.Context) {
	ctx := c.Request.Context()
	modelID := c.Param("id")

	maxOut := 0
	if s := c.Query("max_output_tokens"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max_output_tokens must be a non-negative integer"})
			return
		}
		maxOut = n
	}

	prof, err := h.profile.GetProfile(ctx)
	if err != nil {
		h.logger.Error("Profile read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	coreTokens := contextbuild.ApproxTokens(contextbuild.RenderCoreProfile(prof))
	coreCap := contextbuild.CoreCap(coreTokens)

	info := h.info.Probe(ctx, budget.StripProviderPrefix(modelID))
	vec := h.solver.Compute(ctx, modelID, maxOut, coreTokens, coreCap)

	resp := gin.H{
		"model_id": modelID,
		"model_info": gin.H{
			"state":                 info.State,
			"source":                info.Source,
			"loaded_context_length": info.LoadedContextLength,
			"max_context_length":    info.MaxContextLength,
		},
		"context_budget": vec,
	}
	if info.Err != "" {
		resp["model_info_error"] = info.Err
	}
	c.JSON(http.StatusOK, resp)
}
