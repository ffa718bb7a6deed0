package model

// DocType classifies what kind of regulatory document the scout believes it
// is looking at.
type DocType string

const (
	DocTypeStatute  DocType = "statute"
	DocTypeRuling   DocType = "ruling"
	DocTypeGuidance DocType = "guidance"
	DocTypeForm     DocType = "form"
	DocTypeNews     DocType = "news"
	DocTypeUnknown  DocType = "unknown"
)

// SkipReason explains why the scout marked a document as not worth assessing
// further. Empty means no skip.
type SkipReason string

const (
	SkipNone               SkipReason = ""
	SkipTooShort           SkipReason = "TOO_SHORT"
	SkipTooLong            SkipReason = "TOO_LONG"
	SkipBoilerplate        SkipReason = "BOILERPLATE"
	SkipWrongLanguage      SkipReason = "WRONG_LANGUAGE"
	SkipNoRegulatorySignal SkipReason = "NO_REGULATORY_SIGNAL"
)

// ScoutResult is the scout's deterministic assessment of one evidence item.
// It is derived fresh per item and never mutated after production.
type ScoutResult struct {
	WorthItScore          float64    `json:"worth_it_score"`
	DocType               DocType    `json:"doc_type"`
	NeedsOCR              bool       `json:"needs_ocr"`
	SkipReason            SkipReason `json:"skip_reason,omitempty"`
	EstimatedTokens       int        `json:"estimated_tokens"`
	DeterminismConfidence float64    `json:"determinism_confidence"`
	Language              string     `json:"language"`
	ContentHash           string     `json:"content_hash"`
}

// Skipped reports whether the scout pre-rejected the document.
func (r ScoutResult) Skipped() bool {
	return r.SkipReason != SkipNone
}
