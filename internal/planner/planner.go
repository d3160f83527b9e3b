// Package planner turns a coverage goal into an ordered, finite sequence of search queries.
package planner

import (
	"iter"
	"strings"
	"sync"

	"github.com/sells-group/directory-cli/internal/textnorm"
)

// Target is a coverage goal: DesiredCount entries of Category in Locality.
type Target struct {
	Category     string `json:"category"`
	Locality     string `json:"locality"`
	DesiredCount int    `json:"desired_count"`
}

// Query is a single search to issue against the provider.
type Query struct {
	Text     string `json:"text"`
	Phrase   string `json:"phrase"`
	Locality string `json:"locality"`
	// Index is the zero-based position of the query within its sequence.
	Index int `json:"index"`
}

// PhraseSource supplies query phrases for a category, most specific first.
type PhraseSource interface {
	Phrases(category string) []string
}

// Planner builds query sequences. Accepted-result counters are kept per locality and
// shared by every sequence planned for that locality.
type Planner struct {
	phrases PhraseSource

	mu       sync.Mutex
	accepted map[string]int
}

// New creates a Planner.
func New(phrases PhraseSource) *Planner {
	return &Planner{
		phrases:  phrases,
		accepted: make(map[string]int),
	}
}

// Accepted returns the running accepted count for a locality.
func (p *Planner) Accepted(locality string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepted[localityKey(locality)]
}

func (p *Planner) add(locality string, n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := localityKey(locality)
	p.accepted[k] += n
	return p.accepted[k]
}

func (p *Planner) reset(locality string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.accepted, localityKey(locality))
}

func localityKey(l string) string {
	return textnorm.Place(l)
}

// Plan returns a lazily consumed sequence of queries for target.
func (p *Planner) Plan(target Target) *Sequence {
	var queries []Query
	for _, ph := range p.phrases.Phrases(target.Category) {
		queries = append(queries, Query{
			Text:     ph + " in " + strings.TrimSpace(target.Locality),
			Phrase:   ph,
			Locality: target.Locality,
			Index:    len(queries),
		})
	}
	return &Sequence{planner: p, target: target, queries: queries}
}

// Sequence is a restartable, finite query generator. It is not safe for concurrent use;
// the locality counter it reports into is.
type Sequence struct {
	planner *Planner
	target  Target
	queries []Query
	pos     int
}

// Next returns the next query, or false once the target is met or phrases run out.
func (s *Sequence) Next() (Query, bool) {
	if s.Done() {
		return Query{}, false
	}
	q := s.queries[s.pos]
	s.pos++
	return q, true
}

// All yields queries until the sequence is done. Accept may be called between yields.
func (s *Sequence) All() iter.Seq[Query] {
	return func(yield func(Query) bool) {
		for {
			q, ok := s.Next()
			if !ok || !yield(q) {
				return
			}
		}
	}
}

// Accept records n accepted (new, correctly located) results for the target locality
// and returns the locality's running total.
func (s *Sequence) Accept(n int) int {
	if n <= 0 {
		return s.planner.Accepted(s.target.Locality)
	}
	return s.planner.add(s.target.Locality, n)
}

// Done reports whether the desired count has been met or every phrase has been used.
func (s *Sequence) Done() bool {
	if s.pos >= len(s.queries) {
		return true
	}
	return s.target.DesiredCount > 0 && s.planner.Accepted(s.target.Locality) >= s.target.DesiredCount
}

// Remaining returns how many queries have not been pulled yet.
func (s *Sequence) Remaining() int {
	return len(s.queries) - s.pos
}

// Reset rewinds the sequence and clears the locality's accepted counter.
func (s *Sequence) Reset() {
	s.pos = 0
	s.planner.reset(s.target.Locality)
}

// Target returns the goal this sequence was planned for.
func (s *Sequence) Target() Target {
	return s.target
}

// EntityQuery is the single lookup query for an entity already in the directory.
func EntityQuery(name, locality string) Query {
	name = strings.TrimSpace(name)
	locality = strings.TrimSpace(locality)
	text := name
	if locality != "" {
		text += " in " + locality
	}
	return Query{Text: text, Phrase: name, Locality: locality}
}
