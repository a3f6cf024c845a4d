// Package technique is the closed catalog of prompt enhancement techniques.
//
// Each technique carries a strategy that turns the caller's raw prompt into
// the instruction sent to an AI backend. Strategies are pure string builders.
package technique

import (
	"sort"
	"strings"
)

// Category groups techniques for listing.
type Category string

const (
	CategoryGeneral Category = "general"
	CategoryWriting Category = "writing"
	CategoryCoding  Category = "coding"
)

// Categories lists every category in display order.
var Categories = []Category{CategoryGeneral, CategoryWriting, CategoryCoding}

// Strategy builds the backend instruction for a raw prompt.
type Strategy func(prompt string) string

// Descriptor describes one technique.
type Descriptor struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Category    Category `json:"category"`
	Description string   `json:"description"`
	Strategy    Strategy `json:"-"`
}

// Instruction applies the technique's strategy to prompt.
func (d Descriptor) Instruction(prompt string) string {
	return d.Strategy(prompt)
}

var (
	catalog = buildCatalog()
	byID    = indexCatalog(catalog)
)

func indexCatalog(all []Descriptor) map[string]Descriptor {
	m := make(map[string]Descriptor, len(all))
	for _, d := range all {
		if _, dup := m[d.ID]; dup {
			panic("technique: duplicate id " + d.ID)
		}
		if d.Strategy == nil {
			panic("technique: missing strategy for " + d.ID)
		}
		m[d.ID] = d
	}
	return m
}

// Resolve looks up a technique by id. Lookup is case-insensitive and ignores
// surrounding whitespace.
func Resolve(id string) (Descriptor, bool) {
	d, ok := byID[strings.ToLower(strings.TrimSpace(id))]
	return d, ok
}

// All returns every technique, ordered by category then id.
func All() []Descriptor {
	out := make([]Descriptor, len(catalog))
	copy(out, catalog)
	return out
}

// ByCategory returns the techniques in cat ordered by id. Unknown categories yield nil.
func ByCategory(cat Category) []Descriptor {
	var out []Descriptor
	for _, d := range catalog {
		if d.Category == cat {
			out = append(out, d)
		}
	}
	return out
}

func buildCatalog() []Descriptor {
	all := []Descriptor{
		// general
		{ID: "clarity", Name: "Clarity", Category: CategoryGeneral,
			Description: "Removes ambiguity and states the goal, constraints and expected output explicitly.",
			Strategy: template(clarityTmpl)},
		{ID: "chain-of-thought", Name: "Chain of Thought", Category: CategoryGeneral,
			Description: "Asks the model to reason step by step before answering.",
			Strategy: template(chainOfThoughtTmpl)},
		{ID: "few-shot", Name: "Few-Shot", Category: CategoryGeneral,
			Description: "Adds worked input/output examples that show the expected answer shape.",
			Strategy: template(fewShotTmpl)},
		{ID: "role-based", Name: "Role-Based", Category: CategoryGeneral,
			Description: "Assigns the model an expert persona suited to the task.",
			Strategy: template(roleBasedTmpl)},
		{ID: "tree-of-thought", Name: "Tree of Thought", Category: CategoryGeneral,
			Description: "Explores several solution branches and evaluates them before converging.",
			Strategy: template(treeOfThoughtTmpl)},
		{ID: "self-consistency", Name: "Self-Consistency", Category: CategoryGeneral,
			Description: "Requests multiple independent answers and a reconciled final one.",
			Strategy: template(selfConsistencyTmpl)},

		// writing
		{ID: "co-star", Name: "CO-STAR", Category: CategoryWriting,
			Description: "Structures the prompt as Context, Objective, Style, Tone, Audience and Response.",
			Strategy: template(coStarTmpl)},
		{ID: "race", Name: "RACE", Category: CategoryWriting,
			Description: "Structures the prompt as Role, Action, Context and Expectation.",
			Strategy: template(raceTmpl)},
		{ID: "persuasive", Name: "Persuasive", Category: CategoryWriting,
			Description: "Frames the request around audience, claim, evidence and call to action.",
			Strategy: template(persuasiveTmpl)},
		{ID: "storytelling", Name: "Storytelling", Category: CategoryWriting,
			Description: "Adds characters, setting, conflict and arc to narrative requests.",
			Strategy: template(storytellingTmpl)},

		// coding
		{ID: "code-generation", Name: "Code Generation", Category: CategoryCoding,
			Description: "Pins down language, interfaces, constraints, edge cases and tests.",
			Strategy: template(codeGenerationTmpl)},
		{ID: "debugging", Name: "Debugging", Category: CategoryCoding,
			Description: "Asks for expected vs actual behaviour, reproduction steps and environment.",
			Strategy: template(debuggingTmpl)},
		{ID: "code-review", Name: "Code Review", Category: CategoryCoding,
			Description: "Focuses the review on correctness, security, performance and readability.",
			Strategy: template(codeReviewTmpl)},
		{ID: "refactoring", Name: "Refactoring", Category: CategoryCoding,
			Description: "States the refactoring goal while requiring behaviour to be preserved.",
			Strategy: template(refactoringTmpl)},
	}

	rank := make(map[Category]int, len(Categories))
	for i, c := range Categories {
		rank[c] = i
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Category != all[j].Category {
			return rank[all[i].Category] < rank[all[j].Category]
		}
		return all[i].ID < all[j].ID
	})
	return all
}

const promptPlaceholder = "{{PROMPT}}"

func template(tmpl string) Strategy {
	return func(prompt string) string {
		return strings.Replace(tmpl, promptPlaceholder, strings.TrimSpace(prompt), 1)
	}
}
