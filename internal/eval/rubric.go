package eval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sekai-engine/sekai-memory/internal/model"
	"github.com/sekai-engine/sekai-memory/internal/retrieval"
	"github.com/sekai-engine/sekai-memory/internal/store"
)

// Metrics are named scores in [0, 1].
type Metrics map[string]float64

// Rubric scores one sample. A nil Metrics means the sample does not apply.
type Rubric interface {
	Score(ctx context.Context, s Sample) (Metrics, error)
}

// Env is what rubrics evaluate against.
type Env struct {
	Store    store.Store
	Engine   *retrieval.Engine
	Dataset  *Dataset
	Contents map[string]string // content hash -> record id
}

// Factory builds a rubric bound to an environment.
type Factory func(env *Env) Rubric

var registry = map[string]Factory{
	"fact_recall":   func(env *Env) Rubric { return factRecall{env} },
	"contradiction": func(env *Env) Rubric { return &contradiction{env: env} },
	"isolation":     func(env *Env) Rubric { return isolation{env} },
}

// Register adds or replaces a rubric.
func Register(name string, f Factory) {
	registry[name] = f
}

// Names lists registered rubrics in order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (Factory, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown rubric %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return f, nil
}

func (env *Env) retrieve(ctx context.Context, s Sample) ([]retrieval.Result, error) {
	results, err := env.Engine.Retrieve(ctx, retrieval.Query{
		CharacterID: s.Character,
		Context:     s.Context,
		Chapter:     s.Chapter,
		K:           s.K,
	})
	if model.IsNotFound(err) {
		return nil, nil
	}
	return results, err
}

// factRecall compares retrieved memories with the expected facts.
type factRecall struct{ env *Env }

func (r factRecall) Score(ctx context.Context, s Sample) (Metrics, error) {
	if len(s.Expect) == 0 {
		return nil, nil
	}
	results, err := r.env.retrieve(ctx, s)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(s.Expect))
	for _, e := range s.Expect {
		want[model.HashContent(e)] = true
	}
	hits := 0
	for _, res := range results {
		if want[model.HashContent(res.Record.Content)] {
			hits++
		}
	}

	m := Metrics{"precision": 0, "recall": float64(hits) / float64(len(want)), "f1": 0}
	if len(results) > 0 {
		m["precision"] = float64(hits) / float64(len(results))
	}
	if p, rc := m["precision"], m["recall"]; p+rc > 0 {
		m["f1"] = 2 * p * rc / (p + rc)
	}
	return m, nil
}

// contradiction measures how many labeled contradictions are open flags. It
// is dataset-wide, so only the first sample scores it.
type contradiction struct {
	env  *Env
	done bool
}

func (r *contradiction) Score(ctx context.Context, _ Sample) (Metrics, error) {
	if r.done || len(r.env.Dataset.Conflicts) == 0 {
		return nil, nil
	}
	r.done = true

	flags, err := r.env.Store.ListFlags(ctx, model.FlagOpen)
	if err != nil {
		return nil, err
	}
	raised := make(map[[2]string]bool, len(flags))
	for _, f := range flags {
		raised[[2]string{f.RecordID, f.CauseID}] = true
	}

	detected := 0
	labeled := make(map[[2]string]bool)
	for _, c := range r.env.Dataset.Conflicts {
		pair := [2]string{r.env.Contents[model.HashContent(c.Memory)], r.env.Contents[model.HashContent(c.Cause)]}
		labeled[pair] = true
		if raised[pair] {
			detected++
		}
	}

	m := Metrics{"detection_rate": float64(detected) / float64(len(r.env.Dataset.Conflicts)), "flag_precision": 1}
	if len(flags) > 0 {
		correct := 0
		for pair := range raised {
			if labeled[pair] {
				correct++
			}
		}
		m["flag_precision"] = float64(correct) / float64(len(raised))
	}
	return m, nil
}

// isolation measures how often a character is shown another character's
// private memories.
type isolation struct{ env *Env }

func (r isolation) Score(ctx context.Context, s Sample) (Metrics, error) {
	results, err := r.env.retrieve(ctx, s)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return Metrics{"leak_rate": 0}, nil
	}
	leaked := 0
	for _, res := range results {
		if !res.Record.VisibleTo(s.Character) {
			leaked++
		}
	}
	return Metrics{"leak_rate": float64(leaked) / float64(len(results))}, nil
}
