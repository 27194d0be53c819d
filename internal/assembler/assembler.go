// Package assembler turns retrieved knowledge into a text block that fits a
// token budget.
package assembler

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"tributary/internal/knowledge"
	"tributary/internal/logging"
)

// CharsPerToken is the fixed approximation used by EstimateTokens.
const CharsPerToken = 4

// ModulePriority is the weight of every module summary.
const ModulePriority = 7

// EstimateTokens returns ceil(len(s)/CharsPerToken).
func EstimateTokens(s string) int {
	return (len(s) + CharsPerToken - 1) / CharsPerToken
}

type ItemType string

const (
	TypeModule ItemType = "module"
	TypeChunk  ItemType = "chunk"
)

// Item is one piece of retrieved knowledge. Content is the verbatim
// rendering; Summary may be empty, in which case the item can only be
// included verbatim.
type Item struct {
	Type     ItemType
	Title    string
	Content  string
	Summary  string
	Priority int
}

func (it Item) block() string { return it.Content + "\n\n" }

func (it Item) summaryBlock() string {
	if it.Summary == "" {
		return ""
	}
	if it.Type == TypeModule {
		return fmt.Sprintf("## %s: %s\n\n", it.Title, it.Summary)
	}
	return fmt.Sprintf("### %s\n%s\n\n", it.Title, it.Summary)
}

// Cost is the token cost of the verbatim form.
func (it Item) Cost() int { return EstimateTokens(it.block()) }

// SummaryCost is the token cost of the summary form, 0 without a summary.
func (it Item) SummaryCost() int { return EstimateTokens(it.summaryBlock()) }

type Strategy string

const (
	StrategyFull       Strategy = "full"
	StrategySummarized Strategy = "summarized"
	StrategyMinimal    Strategy = "minimal"
)

// Result is the assembled block. Tokens is EstimateTokens(Text) and never
// exceeds Budget.
type Result struct {
	Text       string   `json:"text"`
	Strategy   Strategy `json:"strategy"`
	Tokens     int      `json:"tokens"`
	Budget     int      `json:"budget"`
	Included   int      `json:"included"`
	Summarized int      `json:"summarized"`
	Dropped    int      `json:"dropped"`
}

// Assembler builds context blocks. MaxTokens, when positive, caps every
// budget passed to Assemble.
type Assembler struct {
	MaxTokens int
	logger    *slog.Logger
}

func New(maxTokens int) *Assembler {
	return &Assembler{MaxTokens: maxTokens, logger: logging.WithComponent("assembler")}
}

// Assemble picks the first strategy that works: everything verbatim, then
// verbatim or summarized by priority, then summaries only.
func (a *Assembler) Assemble(items []Item, budget int) Result {
	if a.MaxTokens > 0 && budget > a.MaxTokens {
		budget = a.MaxTokens
	}
	budget = max(budget, 0)

	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	full, summaries := 0, 0
	for _, it := range sorted {
		full += it.Cost()
		summaries += it.SummaryCost()
	}

	var res Result
	switch {
	case full <= budget:
		res = assembleFull(sorted)
	case summaries <= budget:
		res = assembleSummarized(sorted, budget)
	default:
		res = assembleMinimal(sorted, budget)
	}
	res.Budget = budget
	res.Tokens = EstimateTokens(res.Text)

	if a.logger != nil {
		a.logger.Debug("context assembled",
			"strategy", res.Strategy,
			"items", len(items),
			"tokens", res.Tokens,
			"budget", budget,
		)
	}
	return res
}

func assembleFull(items []Item) Result {
	var b strings.Builder
	for _, it := range items {
		b.WriteString(it.block())
	}
	return Result{Text: b.String(), Strategy: StrategyFull, Included: len(items)}
}

func assembleSummarized(items []Item, budget int) Result {
	res := Result{Strategy: StrategySummarized}
	var b strings.Builder
	used := 0
	for _, it := range items {
		switch {
		case used+it.Cost() <= budget:
			b.WriteString(it.block())
			used += it.Cost()
			res.Included++
		case it.Summary != "" && used+it.SummaryCost() <= budget:
			b.WriteString(it.summaryBlock())
			used += it.SummaryCost()
			res.Summarized++
		default:
			res.Dropped++
		}
	}
	res.Text = b.String()
	return res
}

func assembleMinimal(items []Item, budget int) Result {
	res := Result{Strategy: StrategyMinimal}
	var b strings.Builder
	used := 0
	for _, it := range items {
		if it.Summary == "" || used+it.SummaryCost() > budget {
			res.Dropped++
			continue
		}
		b.WriteString(it.summaryBlock())
		used += it.SummaryCost()
		res.Summarized++
	}
	res.Text = b.String()
	return res
}

// FromHits builds chunk items from a search response. Priority is the
// similarity scaled to 0..10.
func FromHits(resp knowledge.SearchResponse) []Item {
	items := make([]Item, 0, len(resp.Items))
	for _, h := range resp.Items {
		items = append(items, chunkItem(h, int(h.Similarity*10)))
	}
	return items
}

// FromFile builds chunk items from a file context response. Every chunk of
// an explicitly requested file gets the highest priority.
func FromFile(resp knowledge.FileContextResponse) []Item {
	items := make([]Item, 0, len(resp.Items))
	for _, c := range resp.Items {
		items = append(items, chunkItem(c, 10))
	}
	return items
}

// FromModules builds module items from an overview.
func FromModules(resp knowledge.OverviewResponse) []Item {
	items := make([]Item, 0, len(resp.Modules))
	for _, m := range resp.Modules {
		var b strings.Builder
		fmt.Fprintf(&b, "## Module: %s\nFiles: %d", m.ModulePath, m.FileCount)
		if m.Summary != "" {
			fmt.Fprintf(&b, "\nSummary: %s", m.Summary)
		}
		items = append(items, Item{
			Type:     TypeModule,
			Title:    m.ModulePath,
			Content:  b.String(),
			Summary:  m.Summary,
			Priority: ModulePriority,
		})
	}
	return items
}

func chunkItem(c knowledge.Item, priority int) Item {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s", c.FilePath)
	if c.Name != "" {
		fmt.Fprintf(&b, " [%s %s]", c.Kind, c.Name)
	}
	fmt.Fprintf(&b, " (lines %d-%d)", c.StartLine, c.EndLine)
	if c.Summary != "" {
		fmt.Fprintf(&b, "\nSummary: %s", c.Summary)
	}
	if c.Purpose != "" {
		fmt.Fprintf(&b, "\nPurpose: %s", c.Purpose)
	}
	if c.Content != "" {
		fmt.Fprintf(&b, "\n```%s\n%s\n```", c.Language, c.Content)
	}
	if c.Similarity > 0 {
		fmt.Fprintf(&b, "\nRelevance: %.2f", c.Similarity)
	}
	return Item{
		Type:     TypeChunk,
		Title:    c.FilePath,
		Content:  b.String(),
		Summary:  c.Summary,
		Priority: priority,
	}
}
