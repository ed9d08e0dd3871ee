package extract

import "regexp"

// Ordered pattern lists. Within each list the more specific patterns come first and the broad
// catch-alls last; reordering them changes which value wins.

const (
	nameWord = `[A-Za-zÀ-ÖØ-öø-ÿ]{2,}`
	fullName = nameWord + `(?:\s+` + nameWord + `)+`
	// caseNum tolerates a short first group and the stray spaces text layers leave
	// around separators; buildRecord strips the spaces and flags non-canonical ids.
	caseNum  = `\d{5,7}\s*-\s*\d{2}\s*\.\s*\d{4}\s*\.\s*\d\s*\.\s*\d{2}\s*\.\s*\d{4}`
)

var (
	sectionStart   = regexp.MustCompile(`Processo\s+` + caseNum)
	caseIDPattern  = regexp.MustCompile(`Processo\s+(` + caseNum + `)`)
	rpvKeyword     = regexp.MustCompile(`(?i)\bRPV\b`)
	inssKeyword    = regexp.MustCompile(`(?i)pagamento pelo INSS`)
	headerDate     = regexp.MustCompile(`(?i)Disponibilização:\s*([^,]+),\s*(\d{1,2})\s+de\s+([a-záêçõãàéíóúâîôû]+)\s+de\s+(\d{4})`)
	noInterestTerm = regexp.MustCompile(`(?i)sem juros moratórios`)
)

var partyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)DIREITO PREVIDENCIÁRIO\s*-\s*(` + fullName + `)\s*-\s*Vistos`),
	regexp.MustCompile(`(?i)(?:Auxílio-Acidente|Auxílio-Doença|Aposentadoria|Benefícios em Espécie|Incapacidade Laborativa)[^-]*-\s*(` + fullName + `)\s*-\s*Vistos`),
	regexp.MustCompile(`(?i)-\s*(` + fullName + `)\s*-\s*Vistos`),
}

var representativePatterns = []*regexp.Regexp{
	regexp.MustCompile(`ADV: ([A-ZÀ-ÖØ-Þ\s]+?) \(OAB (\d+/SP)\)`),
	regexp.MustCompile(`Int\. - ADV: ([A-ZÀ-ÖØ-Þ\s]+?) \(OAB (\d+/SP)\)`),
}

var principalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)R\$\s*([\d.,]+)\s*-\s*principal\s*bruto`),
	regexp.MustCompile(`(?i)R\$\s*([\d.,]+)\s*-\s*principal\s*líquido`),
	regexp.MustCompile(`(?i)R\$\s*([\d.,]+)\s*-\s*principal`),
	regexp.MustCompile(`(?i)valor\s+principal[:\s]*R?\$?\s*([\d.,]+)`),
	regexp.MustCompile(`(?i)principal[:\s]*R?\$?\s*([\d.,]+)`),
	regexp.MustCompile(`(?i)valor.*?principal.*?R\$?\s*([\d.,]+)`),
	regexp.MustCompile(`(?i)importe total de R\$\s*([\d.,]+)`),
	regexp.MustCompile(`(?i)R\$\s*([\d.,]{4,})`),
}

var interestPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)R\$\s*([\d.,]+)\s*-\s*juros\s*moratórios`),
	regexp.MustCompile(`(?i)juros\s*moratórios[:\s]*R?\$?\s*([\d.,]+)`),
	regexp.MustCompile(`(?i)juros.*?R\$\s*([\d.,]+)`),
	regexp.MustCompile(`(?i)correção.*?R\$\s*([\d.,]+)`),
}

var feePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)R\$\s*([\d.,]+)\s*-\s*honorários\s*advocatícios`),
	regexp.MustCompile(`(?i)honorários\s*advocatícios[:\s]*R?\$?\s*([\d.,]+)`),
	regexp.MustCompile(`(?i)honorários.*?R\$\s*([\d.,]+)`),
	regexp.MustCompile(`(?i)verba.*?honorária.*?R\$\s*([\d.,]+)`),
}

var months = map[string]int{
	"janeiro":   1,
	"fevereiro": 2,
	"março":     3,
	"marco":     3,
	"abril":     4,
	"maio":      5,
	"junho":     6,
	"julho":     7,
	"agosto":    8,
	"setembro":  9,
	"outubro":   10,
	"novembro":  11,
	"dezembro":  12,
}

// Words that show a party match captured boilerplate rather than a name.
var boilerplateWords = map[string]struct{}{
	"vistos":         {},
	"tendo":          {},
	"processo":       {},
	"cumprimento":    {},
	"sentença":       {},
	"direito":        {},
	"previdenciário": {},
	"art":            {},
	"homologação":    {},
}
