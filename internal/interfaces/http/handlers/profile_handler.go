package handlers

import (
	"net/http"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lmrelay/lmrelay/internal/domain/entity"
	"github.com/lmrelay/lmrelay/internal/domain/repository"
)

// maxProfileFieldChars bounds every stored and returned profile field.
const maxProfileFieldChars = 400

// ProfileHandler serves the single-row profile CRUD.
type ProfileHandler struct {
	repo   repository.ProfileRepository
	logger *zap.Logger
}

// NewProfileHandler creates the profile handler.
func NewProfileHandler(repo repository.ProfileRepository, logger *zap.Logger) *ProfileHandler {
	return &ProfileHandler{
		repo:   repo,
		logger: logger.With(zap.String("handler", "profile")),
	}
}

// ProfileUpdate is the PUT body. Only whitelisted fields are settable;
// nil means "leave unchanged".
type ProfileUpdate struct {
	DisplayName       *string `json:"display_name"`
	PreferredLanguage *string `json:"preferred_language"`
	Tone              *string `json:"tone"`
	Timezone          *string `json:"timezone"`
	RegionCoarse      *string `json:"region_coarse"`
	WorkHours         *string `json:"work_hours"`
	UIFormatPrefs     *string `json:"ui_format_prefs"`
	GoalsMood         *string `json:"goals_mood"`
	DecisionsTasks    *string `json:"decisions_tasks"`
	Brevity           *string `json:"brevity"`
	FormatDefaults    *string `json:"format_defaults"`
	InterestsTopics   *string `json:"interests_topics"`
	WorkflowTools     *string `json:"workflow_tools"`
	OS                *string `json:"os"`
	Runtime           *string `json:"runtime"`
	HardwareHint      *string `json:"hardware_hint"`
}

// Get handles GET /v1/profile.
func (h *ProfileHandler) Get(c *gin.Context) {
	p, err := h.repo.GetProfile(c.Request.Context())
	if err != nil {
		h.logger.Error("Profile read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, safeProfileOutput(p))
}

// Put handles PUT /v1/profile: merge the whitelisted fields over the
// current row and return the redacted result.
func (h *ProfileHandler) Put(c *gin.Context) {
	var upd ProfileUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := h.repo.GetProfile(c.Request.Context())
	if err != nil {
		h.logger.Error("Profile read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	apply := func(dst *string, src *string) {
		if src != nil {
			*dst = cleanField(*src)
		}
	}
	apply(&p.DisplayName, upd.DisplayName)
	apply(&p.PreferredLanguage, upd.PreferredLanguage)
	apply(&p.Tone, upd.Tone)
	apply(&p.Timezone, upd.Timezone)
	apply(&p.RegionCoarse, upd.RegionCoarse)
	apply(&p.WorkHours, upd.WorkHours)
	apply(&p.UIFormatPrefs, upd.UIFormatPrefs)
	apply(&p.GoalsMood, upd.GoalsMood)
	apply(&p.DecisionsTasks, upd.DecisionsTasks)
	apply(&p.Brevity, upd.Brevity)
	apply(&p.FormatDefaults, upd.FormatDefaults)
	apply(&p.InterestsTopics, upd.InterestsTopics)
	apply(&p.WorkflowTools, upd.WorkflowTools)
	apply(&p.OS, upd.OS)
	apply(&p.Runtime, upd.Runtime)
	apply(&p.HardwareHint, upd.HardwareHint)

	saved, err := h.repo.SaveProfile(c.Request.Context(), p)
	if err != nil {
		h.logger.Error("Profile write failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, safeProfileOutput(saved))
}

// safeProfileOutput renders every field as a clamped plain string so the
// response never leaks control characters or unbounded text.
func safeProfileOutput(p *entity.Profile) gin.H {
	return gin.H{
		"display_name":       cleanField(p.DisplayName),
		"preferred_language": cleanField(p.PreferredLanguage),
		"tone":               cleanField(p.Tone),
		"timezone":           cleanField(p.Timezone),
		"region_coarse":      cleanField(p.RegionCoarse),
		"work_hours":         cleanField(p.WorkHours),
		"ui_format_prefs":    cleanField(p.UIFormatPrefs),
		"goals_mood":         cleanField(p.GoalsMood),
		"decisions_tasks":    cleanField(p.DecisionsTasks),
		"brevity":            cleanField(p.Brevity),
		"format_defaults":    cleanField(p.FormatDefaults),
		"interests_topics":   cleanField(p.InterestsTopics),
		"workflow_tools":     cleanField(p.WorkflowTools),
		"os":                 cleanField(p.OS),
		"runtime":            cleanField(p.Runtime),
		"hardware_hint":      cleanField(p.HardwareHint),
	}
}

func cleanField(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) > maxProfileFieldChars {
		return string(r[:maxProfileFieldChars])
	}
	return s
}
