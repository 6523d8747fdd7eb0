package place

import "time"

// CandidateRecord is one inbound, unreconciled observation about a place
// from a single source. Ingestion connectors construct these; the
// reconciliation engine decides whether they describe an existing place.
type CandidateRecord struct {
	Source           string               `json:"source"`
	Kind             Kind                 `json:"kind,omitempty"`
	CountryCode      string               `json:"country_code,omitempty"`
	Names            []CandidateName      `json:"names,omitempty"`
	Identifiers      []CandidateID        `json:"identifiers,omitempty"`
	Attributes       []CandidateAttribute `json:"attributes,omitempty"`
	SourceObservedAt time.Time            `json:"source_observed_at,omitempty"`
}

// CandidateName is one proposed name form.
type CandidateName struct {
	Text         string   `json:"text"`
	LanguageCode string   `json:"language_code,omitempty"`
	NameKind     NameKind `json:"name_kind,omitempty"`
}

// CandidateID is one proposed external identifier.
type CandidateID struct {
	Source     string `json:"source"`
	ExternalID string `json:"external_id"`
}

// CandidateAttribute is one proposed attribute observation. Confidence,
// when set, overrides the source's configured base confidence.
type CandidateAttribute struct {
	Name           string   `json:"name"`
	Value          any      `json:"value"`
	Confidence     *float64 `json:"confidence,omitempty"`
	SourceRecordID string   `json:"source_record_id,omitempty"`
}

// Empty reports whether the candidate carries neither names nor identifiers,
// which makes it unreconcilable.
func (c CandidateRecord) Empty() bool {
	return len(c.Names) == 0 && len(c.Identifiers) == 0
}
