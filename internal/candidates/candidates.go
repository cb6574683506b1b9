// Package candidates scores a receipt line's raw item name against a menu
// catalog using a blended fuzzy-match score, producing a ranked candidate
// list per line for the LLM stage and merge step to consume.
package candidates

import (
	"math"
	"regexp"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/text/unicode/norm"

	"github.com/posnorm/ingest/internal/posmodel"
)

const (
	weightChar   = 0.50
	weightPartial = 0.30
	weightToken  = 0.20

	// DefaultThreshold is the best-line-score cutoff below which every
	// candidate on that line is flagged needs_review.
	DefaultThreshold = 55.0
	// DefaultTopK is the number of ranked candidates kept per line.
	DefaultTopK = 10

	substringBonus = 5.0
)

var (
	commonSymbolsRE = regexp.MustCompile(`[!"#$%&'()*+,\-./:;<=>?@\[\]\\^_` + "`" + `{|}~，。！？、；：／（）【】「」『』《》〈〉·．]`)
	multiSpaceRE    = regexp.MustCompile(`\s+`)
)

// Options configures GenerateCandidates; the zero value is invalid — use
// NewOptions for defaults.
type Options struct {
	TopK      int
	Threshold float64
}

// NewOptions returns the package defaults (TopK=10, Threshold=55.0).
func NewOptions() Options {
	return Options{TopK: DefaultTopK, Threshold: DefaultThreshold}
}

type catalogEntry struct {
	itemID        string
	canonicalName string
	aliases       []string
}

func normalizeText(text string) string {
	n := norm.NFKC.String(text)
	n = strings.ToLower(n)
	n = commonSymbolsRE.ReplaceAllString(n, " ")
	n = multiSpaceRE.ReplaceAllString(n, " ")
	return strings.TrimSpace(n)
}

func compactText(text string) string {
	return strings.ReplaceAll(text, " ", "")
}

func tokenize(text string) mapset.Set[string] {
	normalized := normalizeText(text)
	compact := compactText(normalized)
	tokens := mapset.NewSet[string]()
	if compact == "" {
		return tokens
	}
	for _, part := range strings.Split(normalized, " ") {
		if part != "" {
			tokens.Add(part)
		}
	}
	runes := []rune(compact)
	if len(runes) == 1 {
		tokens.Add(compact)
		return tokens
	}
	for i := 0; i < len(runes)-1; i++ {
		tokens.Add(string(runes[i : i+2]))
	}
	return tokens
}

// lcsRatio is the difflib SequenceMatcher.ratio() approximation:
// 2*M/T where M is the longest-common-subsequence length and T is the
// combined length of both strings, expressed on a 0-100 scale.
func lcsRatio(a, b string) float64 {
	if a == "" || b == "" {
		return 0.0
	}
	ra, rb := []rune(a), []rune(b)
	m := lcsLength(ra, rb)
	total := len(ra) + len(rb)
	if total == 0 {
		return 0.0
	}
	return 100.0 * 2.0 * float64(m) / float64(total)
}

func lcsLength(a, b []rune) int {
	n, m := len(a), len(b)
	prev := make([]int, m+1)
	cur := make([]int, m+1)
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[m]
}

func partialRatio(left, right string) float64 {
	if left == "" || right == "" {
		return 0.0
	}
	short, long := left, right
	if len([]rune(left)) > len([]rune(right)) {
		short, long = right, left
	}
	if strings.Contains(long, short) {
		return 100.0
	}
	shortR, longR := []rune(short), []rune(long)
	if len(shortR) == len(longR) {
		return lcsRatio(short, long)
	}
	window := len(shortR)
	maxScore := 0.0
	for start := 0; start+window <= len(longR); start++ {
		score := lcsRatio(short, string(longR[start:start+window]))
		if score > maxScore {
			maxScore = score
		}
	}
	return maxScore
}

func tokenSimilarity(left, right mapset.Set[string]) float64 {
	if left.Cardinality() == 0 || right.Cardinality() == 0 {
		return 0.0
	}
	inter := left.Intersect(right).Cardinality()
	union := left.Union(right).Cardinality()
	if union == 0 {
		return 0.0
	}
	return (float64(inter) / float64(union)) * 100.0
}

// scoreMatch returns the blended score and the basis ("token" or
// "string") that produced it, matching candidates.py's _score_match.
func scoreMatch(query, candidate string) (float64, string) {
	queryNorm := normalizeText(query)
	candidateNorm := normalizeText(candidate)
	queryCompact := compactText(queryNorm)
	candidateCompact := compactText(candidateNorm)

	charScore := lcsRatio(queryCompact, candidateCompact)
	partialScore := partialRatio(queryCompact, candidateCompact)
	tokenScore := tokenSimilarity(tokenize(queryNorm), tokenize(candidateNorm))

	score := weightChar*charScore + weightPartial*partialScore + weightToken*tokenScore
	if queryCompact != "" && candidateCompact != "" &&
		(strings.Contains(candidateCompact, queryCompact) || strings.Contains(queryCompact, candidateCompact)) {
		score += substringBonus
	}

	score = math.Max(0.0, math.Min(100.0, score))
	basis := "string"
	if tokenScore >= math.Max(charScore, partialScore)+5.0 {
		basis = "token"
	}
	return score, basis
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}

// GenerateCandidates scores every catalog entry against each line's raw
// name and returns the top-ranked candidates per line index.
func GenerateCandidates(lines []posmodel.RawLine, catalog posmodel.MenuCatalog, opts Options) (posmodel.Candidates, error) {
	entries := asCatalogEntries(catalog.Raw)
	limit := opts.TopK
	if limit < 0 {
		limit = 0
	}
	threshold := opts.Threshold

	result := make(posmodel.Candidates, len(lines))
	for _, line := range lines {
		type scored struct {
			score       float64
			basis       string
			matchedText string
			entry       catalogEntry
		}
		rows := make([]scored, 0, len(entries))
		for _, entry := range entries {
			bestScore := -1.0
			bestBasis := "canonical"
			matchedText := entry.canonicalName

			canonScore, canonBasis := scoreMatch(line.NameRaw, entry.canonicalName)
			if canonScore > bestScore {
				bestScore = canonScore
				if canonBasis == "token" {
					bestBasis = "token"
				} else {
					bestBasis = "canonical"
				}
				matchedText = entry.canonicalName
			}
			for _, alias := range entry.aliases {
				aliasScore, aliasBasis := scoreMatch(line.NameRaw, alias)
				if aliasScore > bestScore {
					bestScore = aliasScore
					if aliasBasis == "token" {
						bestBasis = "token"
					} else {
						bestBasis = "alias"
					}
					matchedText = alias
				}
			}
			rows = append(rows, scored{bestScore, bestBasis, matchedText, entry})
		}

		sort.SliceStable(rows, func(i, j int) bool {
			if rows[i].score != rows[j].score {
				return rows[i].score > rows[j].score
			}
			if rows[i].entry.canonicalName != rows[j].entry.canonicalName {
				return rows[i].entry.canonicalName < rows[j].entry.canonicalName
			}
			return rows[i].entry.itemID < rows[j].entry.itemID
		})

		selected := rows
		if limit < len(rows) {
			selected = rows[:limit]
		}
		if limit == 0 {
			selected = nil
		}

		bestLineScore := 0.0
		if len(selected) > 0 {
			bestLineScore = selected[0].score
		}
		lowConfidence := bestLineScore < threshold

		lineCandidates := make([]posmodel.CandidateItem, 0, len(selected))
		for rank, row := range selected {
			reviewReason := "ok"
			if lowConfidence {
				reviewReason = "best_score_below_threshold"
			}
			qty := line.Qty
			if qty == 0 {
				qty = 1
			}
			score := round4(row.score)
			lineCandidates = append(lineCandidates, posmodel.CandidateItem{
				LineIndex:      line.LineIndex,
				RawLine:        line.RawLine,
				NameRaw:        line.NameRaw,
				Qty:            qty,
				CandidateName:  row.entry.canonicalName,
				CandidateCode:  posmodel.StrPtr(row.entry.itemID),
				NoteRaw:        line.NoteRaw,
				ConfidenceItem: posmodel.F64Ptr(score),
				NeedsReview:    line.NeedsReview || lowConfidence,
				Metadata: map[string]any{
					"match_basis":              row.basis,
					"score":                    score,
					"low_confidence":           lowConfidence,
					"matched_text":             row.matchedText,
					"rank":                     rank + 1,
					"best_line_score":          round4(bestLineScore),
					"low_confidence_threshold": round4(threshold),
					"review_reason":            reviewReason,
				},
				Version: posmodel.ContractVersion,
			})
		}
		result[line.LineIndex] = lineCandidates
	}
	return result, nil
}
