// Package scout is the cheap pre-filter that decides whether a fetched
// regulatory document is worth spending an LLM call on. Assessment is pure
// computation over the document text — no network, no LLM — and is fully
// deterministic so identical bytes always produce an identical result.
package scout

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/fiskala/regtruth/internal/model"
)

// Config bounds and tunes the assessment heuristics.
type Config struct {
	MinContentChars   int
	MaxContentChars   int
	BoilerplateCutoff float64
	CharsPerToken     float64
}

// DefaultConfig returns the assessment defaults.
func DefaultConfig() Config {
	return Config{
		MinContentChars:   280,
		MaxContentChars:   2_000_000,
		BoilerplateCutoff: 0.65,
		CharsPerToken:     3.2,
	}
}

// Scout assesses evidence content.
type Scout struct {
	cfg Config
}

// New creates a Scout. Zero config fields fall back to defaults.
func New(cfg Config) *Scout {
	def := DefaultConfig()
	if cfg.MinContentChars <= 0 {
		cfg.MinContentChars = def.MinContentChars
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = def.MaxContentChars
	}
	if cfg.BoilerplateCutoff <= 0 {
		cfg.BoilerplateCutoff = def.BoilerplateCutoff
	}
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = def.CharsPerToken
	}
	return &Scout{cfg: cfg}
}

// Croatian and English stopwords used for a cheap language check. A document
// with essentially no hits from either table is likely not prose in a
// language the extractors handle.
var (
	croatianStopwords = []string{
		" i ", " u ", " na ", " je ", " se ", " za ", " od ", " iz ", " da ",
		" koji ", " koja ", " koje ", " ili ", " te ", " su ", " do ", " prema ",
		" članak", " stavak", " osim ", " ako ", " kada ", " nije ",
	}
	englishStopwords = []string{
		" the ", " of ", " and ", " to ", " in ", " is ", " that ", " for ",
		" shall ", " with ", " by ", " or ", " are ", " be ", " this ",
	}
)

// boilerplatePatterns flag navigation, cookie and footer noise lines.
var boilerplatePatterns = []string{
	"cookie", "kolačić", "privacy policy", "pravila privatnosti",
	"all rights reserved", "sva prava pridržana", "newsletter",
	"skip to content", "prijava", "login", "copyright", "©",
	"javascript", "facebook", "twitter", "linkedin", "instagram",
	"uvjeti korištenja", "terms of use", "sitemap", "mapa weba",
	"pretraži", "search", "izbornik", "menu", "naslovnica",
}

// Structural signals characteristic of regulatory text.
var (
	articleRe  = regexp.MustCompile(`(?i)(članak|article|čl\.)\s+\d+`)
	clauseRe   = regexp.MustCompile(`(?i)(stavak|paragraph|st\.)\s+\d+`)
	gazetteRe  = regexp.MustCompile(`(?i)(narodne novine|NN)\s+(br\.\s*)?\d+/\d{2,4}`)
	statuteRe  = regexp.MustCompile(`(?i)(zakon o|pravilnik o|uredba o|odluka o|mišljenje|presuda)`)
	amountRe   = regexp.MustCompile(`\d+([.,]\d+)?\s*(%|EUR|€|eura?)`)
	dateRe     = regexp.MustCompile(`\d{1,2}\.\s*(siječnja|veljače|ožujka|travnja|svibnja|lipnja|srpnja|kolovoza|rujna|listopada|studenoga|prosinca|\d{1,2}\.)\s*\d{4}`)
	formRe     = regexp.MustCompile(`(?i)(obrazac|form)\s+[A-Z0-9-]+`)
	newsDateRe = regexp.MustCompile(`(?i)(objavljeno|published|press release|priopćenje)`)
)

// regulatoryKeywords carry the value heuristic: terms whose presence makes
// paid interpretation more likely to produce a usable tax rule. Kept as an
// ordered slice so the summed score is bit-identical across calls.
var regulatoryKeywords = []struct {
	term   string
	weight float64
}{
	{"pdv", 0.10},
	{"porez", 0.10},
	{"fiskalizacij", 0.10},
	{"stopa", 0.08},
	{"e-račun", 0.08},
	{"vat", 0.08},
	{"tax rate", 0.08},
	{"stupa na snagu", 0.08},
	{"osnovica", 0.06},
	{"paušal", 0.06},
	{"oslobođen", 0.06},
	{"prag", 0.05},
	{"obveznik", 0.05},
	{"doprinos", 0.05},
	{"threshold", 0.05},
	{"invoice", 0.04},
	{"rok", 0.03},
	{"primjen", 0.03},
}

// Assess produces the scout verdict for one evidence item. It is a pure
// function of the text and the static heuristics above.
func (s *Scout) Assess(text, sourceSlug string) model.ScoutResult {
	normalized := norm.NFC.String(text)
	res := model.ScoutResult{
		DocType:     model.DocTypeUnknown,
		ContentHash: model.HashContent(text),
	}

	runes := utf8.RuneCountInString(normalized)
	if runes < s.cfg.MinContentChars {
		res.SkipReason = model.SkipTooShort
		return res
	}
	if runes > s.cfg.MaxContentChars {
		res.SkipReason = model.SkipTooLong
		return res
	}

	lower := strings.ToLower(normalized)

	boilerplate := boilerplateRatio(lower)
	if boilerplate > s.cfg.BoilerplateCutoff {
		res.SkipReason = model.SkipBoilerplate
		return res
	}

	lang := detectLanguage(lower)
	if lang == "" {
		// No stopword coverage at all usually means a scan artifact or a
		// language no extractor handles.
		if looksScanned(normalized) {
			res.NeedsOCR = true
			res.Language = "unknown"
			res.DocType = model.DocTypeUnknown
			res.EstimatedTokens = s.estimateTokens(runes)
			res.WorthItScore = 0.5
			res.DeterminismConfidence = 0.9
			return res
		}
		res.SkipReason = model.SkipWrongLanguage
		return res
	}
	res.Language = lang

	if looksScanned(normalized) {
		res.NeedsOCR = true
	}

	hard, soft := signalScores(normalized, lower)
	res.DocType = classifyDocType(normalized, lower)

	score := hard + soft
	score *= 1 - boilerplate // dilute by noise share
	score = clamp01(score)

	if score < 0.05 {
		res.SkipReason = model.SkipNoRegulatorySignal
		return res
	}

	res.WorthItScore = score
	res.EstimatedTokens = s.estimateTokens(runes)
	if hard+soft > 0 {
		res.DeterminismConfidence = clamp01(hard / (hard + soft))
	}
	return res
}

func (s *Scout) estimateTokens(runes int) int {
	return int(math.Ceil(float64(runes) / s.cfg.CharsPerToken))
}

// boilerplateRatio is the fraction of non-empty lines matching navigation or
// footer noise patterns.
func boilerplateRatio(lower string) float64 {
	lines := strings.Split(lower, "\n")
	var total, noisy int
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		total++
		for _, p := range boilerplatePatterns {
			if strings.Contains(line, p) {
				noisy++
				break
			}
		}
	}
	if total == 0 {
		return 1
	}
	return float64(noisy) / float64(total)
}

// detectLanguage returns "hr", "en" or "" using stopword frequency. Croatian
// wins ties because the sources are predominantly Croatian.
func detectLanguage(lower string) string {
	padded := " " + strings.ReplaceAll(lower, "\n", " ") + " "
	var hr, en int
	for _, w := range croatianStopwords {
		hr += strings.Count(padded, w)
	}
	for _, w := range englishStopwords {
		en += strings.Count(padded, w)
	}

	words := len(strings.Fields(lower))
	if words == 0 {
		return ""
	}
	// Require minimum stopword density before trusting the signal.
	if float64(hr+en)/float64(words) < 0.01 {
		return ""
	}
	if hr >= en {
		return "hr"
	}
	return "en"
}

// looksScanned flags OCR candidates: text dominated by replacement runes or
// with almost no letters per line (typical of PDF extraction from scans).
func looksScanned(text string) bool {
	if strings.Count(text, "�") > 20 {
		return true
	}
	var letters, total int
	for _, r := range text {
		total++
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r >= 0x00C0 {
			letters++
		}
	}
	if total == 0 {
		return false
	}
	return float64(letters)/float64(total) < 0.35
}

// signalScores returns the hard (structural) and soft (keyword frequency)
// score components.
func signalScores(text, lower string) (hard, soft float64) {
	if articleRe.MatchString(text) {
		hard += 0.20
	}
	if clauseRe.MatchString(text) {
		hard += 0.10
	}
	if gazetteRe.MatchString(text) {
		hard += 0.20
	}
	if statuteRe.MatchString(lower) {
		hard += 0.15
	}
	if amountRe.MatchString(text) {
		hard += 0.10
	}
	if dateRe.MatchString(lower) {
		hard += 0.05
	}

	for _, kw := range regulatoryKeywords {
		if strings.Contains(lower, kw.term) {
			soft += kw.weight
		}
	}
	if soft > 0.4 {
		soft = 0.4
	}
	return hard, soft
}

func classifyDocType(text, lower string) model.DocType {
	switch {
	case gazetteRe.MatchString(text) && statuteRe.MatchString(lower):
		return model.DocTypeStatute
	case strings.Contains(lower, "mišljenje") || strings.Contains(lower, "presuda") || strings.Contains(lower, "ruling"):
		return model.DocTypeRuling
	case formRe.MatchString(text):
		return model.DocTypeForm
	case strings.Contains(lower, "uputa") || strings.Contains(lower, "guidance") || strings.Contains(lower, "brošura"):
		return model.DocTypeGuidance
	case newsDateRe.MatchString(lower):
		return model.DocTypeNews
	case articleRe.MatchString(text):
		return model.DocTypeStatute
	default:
		return model.DocTypeUnknown
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
