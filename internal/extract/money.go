package extract

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	nonAmountChars = regexp.MustCompile(`[^\d.,]`)
	plainDecimal   = regexp.MustCompile(`^\d+\.?\d*$`)
	minimumAmount  = decimal.New(1, -2)
)

var degenerateTokens = map[string]struct{}{
	"":   {},
	".":  {},
	",":  {},
	"-":  {},
	"R$": {},
	"$":  {},
}

// ParseAmount converts a monetary token in Brazilian or US notation to a fixed-point value.
// When both separators are present the rightmost one is the decimal mark; a lone comma is
// always the decimal mark. Values below 0.01 and degenerate tokens are rejected.
func ParseAmount(raw string) (decimal.Decimal, bool) {
	token := strings.TrimSpace(raw)
	if _, bad := degenerateTokens[token]; bad || len(token) < 2 {
		return decimal.Decimal{}, false
	}

	clean := nonAmountChars.ReplaceAllString(token, "")
	clean = strings.TrimRight(clean, ".,")
	if _, bad := degenerateTokens[clean]; bad {
		return decimal.Decimal{}, false
	}

	lastComma := strings.LastIndex(clean, ",")
	lastDot := strings.LastIndex(clean, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			clean = strings.ReplaceAll(clean, ".", "")
			clean = strings.Replace(clean, ",", ".", 1)
		} else {
			clean = strings.ReplaceAll(clean, ",", "")
		}
	case lastComma >= 0:
		clean = strings.ReplaceAll(clean, ",", ".")
	}

	if !plainDecimal.MatchString(clean) {
		return decimal.Decimal{}, false
	}
	value, err := decimal.NewFromString(clean)
	if err != nil || value.LessThan(minimumAmount) {
		return decimal.Decimal{}, false
	}
	return value, true
}

// firstAmount returns the first parseable amount, trying patterns in order and matches in
// document order within each pattern.
func firstAmount(patterns []*regexp.Regexp, text string) *decimal.Decimal {
	for _, p := range patterns {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			if v, ok := ParseAmount(m[1]); ok {
				return &v
			}
		}
	}
	return nil
}
