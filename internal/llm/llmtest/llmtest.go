// Package llmtest provides a canned llm.Invoker for tests.
package llmtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"lakeforge/internal/llm"
)

// Phrases that identify each pipeline prompt.
const (
	EntitiesPrompt = "Analyze these parsed data files"
	SchemaPrompt   = "Generate CREATE TABLE statements"
	ValidatePrompt = "database QA engineer"
	CorrectPrompt  = "Fix these issues"
	InsertsPrompt  = "Generate INSERT statements"
)

// Reply is one scripted answer. A non-nil Err is returned instead of Text.
type Reply struct {
	Text string
	Cost float64
	Err  error
}

// Router answers a prompt with the next queued reply of the first route whose
// phrase the prompt contains. When a queue holds one reply it is repeated.
type Router struct {
	mu      sync.Mutex
	routes  []route
	prompts []string
}

type route struct {
	phrase  string
	replies []Reply
}

func NewRouter() *Router { return &Router{} }

// On queues replies for prompts containing phrase.
func (r *Router) On(phrase string, replies ...Reply) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.routes {
		if r.routes[i].phrase == phrase {
			r.routes[i].replies = append(r.routes[i].replies, replies...)
			return r
		}
	}
	r.routes = append(r.routes, route{phrase: phrase, replies: replies})
	return r
}

// Text is shorthand for On with plain text replies.
func (r *Router) Text(phrase string, texts ...string) *Router {
	replies := make([]Reply, 0, len(texts))
	for _, t := range texts {
		replies = append(replies, Reply{Text: t})
	}
	return r.On(phrase, replies...)
}

func (r *Router) Invoke(ctx context.Context, prompt string) (llm.Reply, error) {
	if err := ctx.Err(); err != nil {
		return llm.Reply{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, prompt)

	for i := range r.routes {
		rt := &r.routes[i]
		if !strings.Contains(prompt, rt.phrase) || len(rt.replies) == 0 {
			continue
		}
		rep := rt.replies[0]
		if len(rt.replies) > 1 {
			rt.replies = rt.replies[1:]
		}
		if rep.Err != nil {
			return llm.Reply{}, rep.Err
		}
		return llm.Reply{Text: rep.Text, Model: "test/model", Cost: rep.Cost}, nil
	}
	return llm.Reply{}, fmt.Errorf("llmtest: no reply for prompt %q", firstLine(prompt))
}

// Prompts returns every prompt received, in order.
func (r *Router) Prompts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompts...)
}

// Count returns how many prompts contained phrase.
func (r *Router) Count(phrase string) int {
	n := 0
	for _, p := range r.Prompts() {
		if strings.Contains(p, phrase) {
			n++
		}
	}
	return n
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
