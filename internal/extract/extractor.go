// Package extract turns gazette document text into structured case records.
package extract

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/torwi-dev/juscash/internal/model"
)

// Rejection is a constructed record that failed validation.
type Rejection struct {
	CaseID string
	Err    error
}

// Result summarizes one document's extraction.
type Result struct {
	Records  []model.CaseRecord
	Rejected []Rejection
	// Sections counts the candidate sections the document was split into.
	Sections int
	// Qualified counts sections carrying both mandatory keywords.
	Qualified int
}

// Found returns the number of records constructed, valid or not.
func (r Result) Found() int {
	return len(r.Records) + len(r.Rejected)
}

// Extractor applies the ordered pattern lists to document text.
type Extractor struct {
	defendant string
	logger    *zap.Logger
}

// New builds an Extractor. An empty defendant falls back to model.DefaultDefendant.
func New(defendant string, logger *zap.Logger) *Extractor {
	if strings.TrimSpace(defendant) == "" {
		defendant = model.DefaultDefendant
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{defendant: defendant, logger: logger}
}

// Extract splits text into case sections and builds a record for every qualifying section.
func (e *Extractor) Extract(text, source, runID string) Result {
	var result Result
	if strings.TrimSpace(text) == "" {
		return result
	}
	if !hasKeywords(text) {
		e.logger.Debug("document lacks mandatory keywords", zap.String("url", source))
		return result
	}

	published := HeaderDate(text)
	sections := SplitSections(text)
	result.Sections = len(sections)

	for _, section := range sections {
		section = strings.TrimSpace(section)
		if section == "" || !hasKeywords(section) {
			continue
		}
		result.Qualified++

		rec, ok := e.buildRecord(section, source, runID, published)
		if !ok {
			continue
		}
		if err := rec.Validate(); err != nil {
			e.logger.Debug("record rejected", zap.String("case_id", rec.CaseID), zap.Error(err))
			result.Rejected = append(result.Rejected, Rejection{CaseID: rec.CaseID, Err: err})
			continue
		}
		result.Records = append(result.Records, rec)
	}

	e.logger.Debug("document extracted",
		zap.String("url", source),
		zap.Int("sections", result.Sections),
		zap.Int("qualified", result.Qualified),
		zap.Int("records", len(result.Records)),
		zap.Int("rejected", len(result.Rejected)),
	)
	return result
}

func (e *Extractor) buildRecord(section, source, runID string, published *model.Date) (model.CaseRecord, bool) {
	m := caseIDPattern.FindStringSubmatch(section)
	if m == nil {
		return model.CaseRecord{}, false
	}
	rec := model.CaseRecord{
		CaseID:           strings.Join(strings.Fields(m[1]), ""),
		PublicationDate:  published,
		AvailabilityDate: published,
		Parties:          extractParties(section),
		Representatives:  extractRepresentatives(section),
		Defendant:        e.defendant,
		PrincipalAmount:  firstAmount(principalPatterns, section),
		InterestAmount:   interestAmount(section),
		FeesAmount:       firstAmount(feePatterns, section),
		FullText:         section,
		SourceLocation:   source,
		RunID:            runID,
	}
	if !rec.HasCanonicalCaseID() {
		e.logger.Warn("case id has unexpected format", zap.String("case_id", rec.CaseID))
	}
	return rec, true
}

func interestAmount(section string) *decimal.Decimal {
	if noInterestTerm.MatchString(section) {
		zero := decimal.New(0, -2)
		return &zero
	}
	return firstAmount(interestPatterns, section)
}

func hasKeywords(text string) bool {
	return rpvKeyword.MatchString(text) && inssKeyword.MatchString(text)
}

// SplitSections cuts text immediately before every case-number heading. Any preamble before
// the first heading is returned as its own section.
func SplitSections(text string) []string {
	starts := sectionStart.FindAllStringIndex(text, -1)
	if len(starts) == 0 {
		return []string{text}
	}
	sections := make([]string, 0, len(starts)+1)
	if starts[0][0] > 0 {
		sections = append(sections, text[:starts[0][0]])
	}
	for i, loc := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1][0]
		}
		sections = append(sections, text[loc[0]:end])
	}
	return sections
}

// HeaderDate parses the "Disponibilização: <weekday>, D de <mês> de YYYY" header.
// It returns nil when the header is missing or names an unknown month.
func HeaderDate(text string) *model.Date {
	m := headerDate.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	month, ok := months[strings.ToLower(m[3])]
	if !ok {
		return nil
	}
	day, err := strconv.Atoi(m[2])
	if err != nil {
		return nil
	}
	year, err := strconv.Atoi(m[4])
	if err != nil {
		return nil
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return nil
	}
	d := model.NewDate(t)
	return &d
}
