package contextbuild

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/lmrelay/lmrelay/internal/domain/entity"
)

// coreCapFactor is the headroom multiplier reserved for the core profile
// block on top of its measured size.
const coreCapFactor = 1.10

// ApproxTokens is the 4-chars-per-token estimate used for sizing decisions
// that must not hit the network.
func ApproxTokens(text string) int {
	return (len([]rune(text)) + 3) / 4
}

// RenderCoreProfile builds the stable field-by-field text of the profile
// block. Field order is fixed so the rendering (and its token count) is
// deterministic for a given profile.
func RenderCoreProfile(p *entity.Profile) string {
	lines := []string{
		"Name: " + p.DisplayName,
		"Language: " + p.PreferredLanguage,
		"Tone: " + p.Tone,
		"Timezone: " + p.Timezone,
		"Region: " + p.RegionCoarse,
		"WorkHours: " + p.WorkHours,
		"UI: " + p.UIFormatPrefs,
		"Goals/Mood: " + p.GoalsMood,
		"Decisions/Tasks: " + p.DecisionsTasks,
		"Brevity: " + p.Brevity,
		"FormatDefaults: " + p.FormatDefaults,
		"Interests: " + p.InterestsTopics,
		"WorkflowTools: " + p.WorkflowTools,
		"OS: " + p.OS,
		"Runtime: " + p.Runtime,
		"HW: " + p.HardwareHint,
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// CoreCap returns the reserved ceiling for a core block of the given size.
func CoreCap(coreTokens int) int {
	return int(math.Ceil(float64(coreTokens) * coreCapFactor))
}

// LooksCyrillic reports whether the text is predominantly Cyrillic-scripted.
func LooksCyrillic(text string) bool {
	cyr, letters := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.Is(unicode.Cyrillic, r) {
				cyr++
			}
		}
	}
	return letters > 0 && cyr*2 > letters
}

// PickLang chooses the response language: explicit hint first, then the
// profile preference, defaulting to English. Only ru/en are distinguished.
func PickLang(lastUserLang, preferred string) string {
	lang := strings.ToLower(lastUserLang)
	if lang == "" {
		lang = strings.ToLower(preferred)
	}
	if strings.HasPrefix(lang, "ru") {
		return "ru"
	}
	return "en"
}

// DetectLang combines an explicit hint with script detection on the
// current user text.
func DetectLang(lastUserLang, userText, preferred string) string {
	if lastUserLang == "" && LooksCyrillic(userText) {
		return "ru"
	}
	return PickLang(lastUserLang, preferred)
}

// --- prelude strings ---

const divider = "---"

var strs = map[string]map[string]string{
	"en": {
		"instruction":  "Follow the rules. Do not reveal chain-of-thought. Answer in the user's language.",
		"core_profile": "CORE PROFILE",
		"tool_results": "TOOL RESULTS",
	},
	"ru": {
		"instruction":  "Следуй правилам. Не раскрывай ход рассуждений. Отвечай на языке пользователя.",
		"core_profile": "ПРОФИЛЬ (ЯДРО)",
		"tool_results": "РЕЗУЛЬТАТЫ ИНСТРУМЕНТОВ",
	},
}

func tr(lang, key string) string {
	if m, ok := strs[lang]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return strs["en"][key]
}

// BuildSystemPrelude renders the single system message: instruction, core
// profile, and the optional tool-results slice. Recap layers are separate
// messages, never system text.
func BuildSystemPrelude(lang, coreText, toolsText string) string {
	blocks := []string{
		tr(lang, "instruction"),
		divider,
		tr(lang, "core_profile"),
		coreText,
	}
	if toolsText != "" {
		blocks = append(blocks, divider, tr(lang, "tool_results"), toolsText)
	}
	parts := blocks[:0]
	for _, b := range blocks {
		if b != "" {
			parts = append(parts, b)
		}
	}
	return strings.Join(parts, "\n")
}

// CapTextByTokens clips text to roughly cap tokens using the character
// proxy. Zero or negative cap empties the text.
func CapTextByTokens(text string, cap int) string {
	if cap <= 0 {
		return ""
	}
	if ApproxTokens(text) <= cap {
		return text
	}
	runes := []rune(text)
	limit := cap * 4
	if limit > len(runes) {
		limit = len(runes)
	}
	return string(runes[:limit])
}

// RenderRecap formats one stored summary as a tagged assistant message.
func RenderRecap(level string, id int64, text string) string {
	return fmt.Sprintf("[%s#%d] %s", level, id, text)
}
