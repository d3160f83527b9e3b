package extract

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/directory-cli/internal/config"
	"github.com/sells-group/directory-cli/internal/model"
	"github.com/sells-group/directory-cli/internal/textnorm"
)

// PricingConfig bounds plausible single-session prices.
type PricingConfig struct {
	MinPrice float64
	MaxPrice float64
	// Currency is the symbol used when the text gives none.
	Currency string
}

// DefaultPricingConfig returns the standard sanity range.
func DefaultPricingConfig() PricingConfig {
	return PricingConfig{MinPrice: 1.5, MaxPrice: 100, Currency: "£"}
}

// PricingFromConfig converts the pricing section of the application config.
func PricingFromConfig(c config.PricingConfig) PricingConfig {
	cfg := DefaultPricingConfig()
	if c.MaxPrice > 0 {
		cfg.MinPrice = c.MinPrice
		cfg.MaxPrice = c.MaxPrice
	}
	return cfg
}

const num = `(\d{1,3}(?:\.\d{1,2})?)`

// Patterns, in order. Every match contributes the amounts it captures; a number
// matched by several patterns accumulates their flags.
var (
	currencyRe   = regexp.MustCompile(`([£$€])\s?` + num)
	perSessionRe = regexp.MustCompile(`(?:[£$€]\s?)?` + num + `\s?(?:gbp|pounds?|quid)?\s*(?:per|a|an|/|each)\s*(?:session|class|lesson)`)
	fromRe       = regexp.MustCompile(`\b(?:from|only|just)\s+(?:[£$€]\s?)?` + num)
	rangeRe      = regexp.MustCompile(`([£$€])\s?` + num + `\s?(?:-|to)\s?(?:[£$€]\s?)?` + num)

	sessionWordRe = regexp.MustCompile(`\b(?:sessions?|class(?:es)?|lessons?|drop[ -]?in|per child)\b`)
	packageWordRe = regexp.MustCompile(`\b(?:membership|members|package|term|termly|course|block|month|monthly|annual|annually|year|yearly|bundle|pack)\b`)
)

const contextChars = 40

type amount struct {
	value      float64
	start, end int // byte offsets of the number
	symbol     string
	perSession bool
	doc        int
}

type priceCandidate struct {
	value   float64
	symbol  string
	freq    int
	bonus   int
	first   int // global order of first occurrence
	excerpt string
}

// PriceScanner finds and ranks per-session prices in free text.
type PriceScanner struct {
	cfg PricingConfig
}

// NewPriceScanner creates a PriceScanner.
func NewPriceScanner(cfg PricingConfig) *PriceScanner {
	if cfg.MaxPrice <= 0 {
		cfg = DefaultPricingConfig()
	}
	if cfg.Currency == "" {
		cfg.Currency = "£"
	}
	return &PriceScanner{cfg: cfg}
}

// Best returns the highest-scoring price across docs, its score, and an excerpt.
// Score is frequency plus keyword signals; values scoring below 1 are discarded as
// ambiguous.
func (p *PriceScanner) Best(docs []string) (string, int, string, bool) {
	byValue := make(map[int64]*priceCandidate)
	order := 0

	for di, raw := range docs {
		text := textnorm.Text(raw)
		if text == "" {
			continue
		}
		amounts := p.scan(text, di)
		for i, a := range amounts {
			before, after := window(text, amounts, i)
			bonus := 0
			ctx := before + " " + after
			if sessionWordRe.MatchString(ctx) {
				bonus += 2
			}
			if a.perSession {
				bonus++
			}
			if packageWordRe.MatchString(ctx) {
				bonus -= 3
			}

			key := int64(math.Round(a.value * 100))
			c, ok := byValue[key]
			if !ok {
				c = &priceCandidate{value: a.value, symbol: a.symbol, bonus: bonus, first: order, excerpt: before + text[a.start:a.end] + after}
				byValue[key] = c
			} else if bonus > c.bonus {
				c.bonus = bonus
				c.excerpt = before + text[a.start:a.end] + after
			}
			c.freq++
			order++
		}
	}

	if len(byValue) == 0 {
		return "", 0, "", false
	}

	cands := make([]*priceCandidate, 0, len(byValue))
	for _, c := range byValue {
		cands = append(cands, c)
	}
	sort.Slice(cands, func(i, j int) bool {
		si, sj := cands[i].freq+cands[i].bonus, cands[j].freq+cands[j].bonus
		if si != sj {
			return si > sj
		}
		if cands[i].freq != cands[j].freq {
			return cands[i].freq > cands[j].freq
		}
		return cands[i].first < cands[j].first
	})

	best := cands[0]
	score := best.freq + best.bonus
	if score < 1 {
		return "", score, "", false
	}
	sym := best.symbol
	if sym == "" {
		sym = p.cfg.Currency
	}
	return FormatPrice(sym, best.value), score, strings.TrimSpace(best.excerpt), true
}

// scan collects in-range amounts from normalized text, ordered by position.
func (p *PriceScanner) scan(text string, doc int) []amount {
	found := make(map[int]*amount)

	add := func(m []int, group int, symGroup int, perSession bool) {
		s, e := m[2*group], m[2*group+1]
		if s < 0 {
			return
		}
		v, err := strconv.ParseFloat(text[s:e], 64)
		if err != nil {
			return
		}
		sym := ""
		if symGroup > 0 && m[2*symGroup] >= 0 {
			sym = text[m[2*symGroup]:m[2*symGroup+1]]
		}
		a, ok := found[s]
		if !ok {
			a = &amount{value: v, start: s, end: e, doc: doc}
			found[s] = a
		}
		if sym != "" {
			a.symbol = sym
		}
		a.perSession = a.perSession || perSession
	}

	for _, m := range currencyRe.FindAllStringSubmatchIndex(text, -1) {
		add(m, 2, 1, false)
	}
	for _, m := range perSessionRe.FindAllStringSubmatchIndex(text, -1) {
		add(m, 1, 0, true)
	}
	for _, m := range fromRe.FindAllStringSubmatchIndex(text, -1) {
		if looksLikeTime(text[m[3]:]) {
			continue
		}
		add(m, 1, 0, false)
	}
	for _, m := range rangeRe.FindAllStringSubmatchIndex(text, -1) {
		add(m, 2, 1, false)
		add(m, 3, 1, false)
	}

	out := make([]amount, 0, len(found))
	for _, a := range found {
		if a.value < p.cfg.MinPrice || a.value > p.cfg.MaxPrice {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

// looksLikeTime reports whether the text right after a number reads as a clock time.
func looksLikeTime(rest string) bool {
	rest = strings.TrimLeft(rest, " ")
	return strings.HasPrefix(rest, ":") || strings.HasPrefix(rest, "am") || strings.HasPrefix(rest, "pm")
}

// window returns the text around amounts[i], clipped to its clause: before-text stops at
// the last boundary or the previous amount, after-text at the next boundary or amount.
func window(text string, amounts []amount, i int) (string, string) {
	a := amounts[i]

	lo := a.start - contextChars
	if lo < 0 {
		lo = 0
	}
	if i > 0 && amounts[i-1].end > lo {
		lo = amounts[i-1].end
	}
	before := text[lo:a.start]
	if k := lastBoundary(before); k >= 0 {
		before = before[k:]
	}

	hi := a.end + contextChars
	if hi > len(text) {
		hi = len(text)
	}
	if i+1 < len(amounts) && amounts[i+1].start < hi {
		hi = amounts[i+1].start
	}
	after := text[a.end:hi]
	if k := firstBoundary(after); k >= 0 {
		after = after[:k]
	}
	return before, after
}

var boundaries = []string{",", ";", "|", "\n", ". "}

func lastBoundary(s string) int {
	best := -1
	for _, b := range boundaries {
		if k := strings.LastIndex(s, b); k >= 0 && k+len(b) > best {
			best = k + len(b)
		}
	}
	return best
}

func firstBoundary(s string) int {
	best := -1
	for _, b := range boundaries {
		if k := strings.Index(s, b); k >= 0 && (best < 0 || k < best) {
			best = k
		}
	}
	return best
}

// FormatPrice renders a price as "£8.50", or "£70" for whole amounts.
func FormatPrice(symbol string, v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%s%d", symbol, int64(v))
	}
	return fmt.Sprintf("%s%.2f", symbol, v)
}

func pricingConfidence(score int) float64 {
	return 0.4 + 0.1*float64(score)
}

// providerTextPricing scans editorial and review text.
type providerTextPricing struct{ scanner *PriceScanner }

func (s providerTextPricing) Name() string { return "pricing.provider_text" }

func (s providerTextPricing) Extract(in Input) (*model.ExtractionResult, bool) {
	price, score, excerpt, ok := s.scanner.Best(in.ProviderText())
	if !ok {
		return nil, false
	}
	return result(model.FieldPrice, price, s.Name(), pricingConfidence(score), true, excerpt, in.Now), true
}

// websitePricing scans the entity's website text.
type websitePricing struct{ scanner *PriceScanner }

func (s websitePricing) Name() string { return "pricing.website" }

func (s websitePricing) Extract(in Input) (*model.ExtractionResult, bool) {
	if strings.TrimSpace(in.PageText) == "" {
		return nil, false
	}
	price, score, excerpt, ok := s.scanner.Best([]string{in.PageText})
	if !ok {
		return nil, false
	}
	return result(model.FieldPrice, price, s.Name(), pricingConfidence(score), true, excerpt, in.Now), true
}

// PricingChain returns the pricing strategies in fallback order.
func PricingChain(cfg PricingConfig) Chain {
	sc := NewPriceScanner(cfg)
	return Chain{providerTextPricing{sc}, websitePricing{sc}}
}

// NewPricingExtractor returns the pricing group extractor.
func NewPricingExtractor(cfg PricingConfig) *ChainExtractor {
	return NewChainExtractor("pricing", model.GroupPricing, PricingChain(cfg))
}
