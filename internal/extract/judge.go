package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sekai-engine/sekai-memory/internal/embedding"
	"github.com/sekai-engine/sekai-memory/internal/llm"
	"github.com/sekai-engine/sekai-memory/internal/model"
)

// Verdict is how a candidate relates to the current heads of its key.
type Verdict string

const (
	VerdictCompatible  Verdict = "compatible"
	VerdictDuplicate   Verdict = "duplicate"
	VerdictContradicts Verdict = "contradicts"
)

// Decision is a judge's ruling. Supersedes lists head ids replaced by the candidate.
type Decision struct {
	Verdict    Verdict  `json:"verdict"`
	Supersedes []string `json:"supersedes,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// Judge compares a candidate with the records currently occupying its key.
type Judge interface {
	Judge(ctx context.Context, cand model.Candidate, heads []model.MemoryRecord) (Decision, error)
}

// HeuristicJudge decides with content hashes and token overlap.
type HeuristicJudge struct {
	// NearDuplicate is the token Jaccard at or above which two facts are the same. Default 0.9.
	NearDuplicate float64
	// Related is the overlap at or above which a negation flip counts as a contradiction. Default 0.5.
	Related float64
}

var negations = map[string]bool{
	"not": true, "no": true, "never": true, "nobody": true, "nothing": true, "cannot": true,
	"don": true, "doesn": true, "didn": true, "isn": true, "wasn": true, "aren": true, "won": true,
}

func (j HeuristicJudge) Judge(_ context.Context, cand model.Candidate, heads []model.MemoryRecord) (Decision, error) {
	if len(heads) == 0 {
		return Decision{Verdict: VerdictCompatible}, nil
	}
	nearDup, related := j.NearDuplicate, j.Related
	if nearDup == 0 {
		nearDup = 0.9
	}
	if related == 0 {
		related = 0.5
	}

	hash := model.HashContent(cand.Content)
	candTokens, candNeg := tokenSet(cand.Content)

	var contradicted []string
	for _, h := range heads {
		if h.ContentHash == hash || model.HashContent(h.Content) == hash {
			return Decision{Verdict: VerdictDuplicate, Reason: "identical content as " + h.ID}, nil
		}
		headTokens, headNeg := tokenSet(h.Content)
		overlap := jaccard(candTokens, headTokens)
		switch {
		case candNeg != headNeg && overlap >= related:
			contradicted = append(contradicted, h.ID)
		case candNeg == headNeg && overlap >= nearDup:
			return Decision{Verdict: VerdictDuplicate, Reason: fmt.Sprintf("near-duplicate of %s (overlap %.2f)", h.ID, overlap)}, nil
		}
	}

	if cand.Exclusive {
		ids := make([]string, 0, len(heads))
		for _, h := range heads {
			ids = append(ids, h.ID)
		}
		return Decision{Verdict: VerdictContradicts, Supersedes: ids, Reason: "single-valued topic changed"}, nil
	}
	if len(contradicted) > 0 {
		return Decision{Verdict: VerdictContradicts, Supersedes: contradicted, Reason: "negation of an existing fact"}, nil
	}
	return Decision{Verdict: VerdictCompatible}, nil
}

// tokenSet returns the content words of s and whether s is negated.
func tokenSet(s string) (map[string]bool, bool) {
	set := make(map[string]bool)
	neg := false
	for _, tok := range embedding.Tokenize(s) {
		if tok == "t" {
			continue
		}
		if negations[tok] {
			neg = !neg
			continue
		}
		set[tok] = true
	}
	return set, neg
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// LLMJudge asks a chat model for the verdict and falls back to another judge
// when the model fails or answers with something unusable.
type LLMJudge struct {
	client   llm.Client
	fallback Judge
	schema   string
}

func NewLLMJudge(client llm.Client, fallback Judge) *LLMJudge {
	if fallback == nil {
		fallback = HeuristicJudge{}
	}
	return &LLMJudge{client: client, fallback: fallback, schema: SchemaJSON[Decision]()}
}

const judgeSystem = `You keep a character's memory consistent. Given a new fact and the facts currently stored
under the same topic, decide whether the new fact is a duplicate of one of them, contradicts (and therefore
replaces) some of them, or is compatible with all of them. List the ids it replaces in "supersedes".
Verdict must be one of: compatible, duplicate, contradicts.
Respond with a JSON object matching this schema:
%s`

func (j *LLMJudge) Judge(ctx context.Context, cand model.Candidate, heads []model.MemoryRecord) (Decision, error) {
	if len(heads) == 0 {
		return Decision{Verdict: VerdictCompatible}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\nNew fact: %s\n\nStored facts:\n", cand.Topic, cand.Content)
	known := make(map[string]bool, len(heads))
	for _, h := range heads {
		known[h.ID] = true
		fmt.Fprintf(&sb, "- [%s] (chapter %d) %s\n", h.ID, h.Chapter, h.Content)
	}

	resp, err := j.client.Complete(ctx, llm.Request{
		System:      fmt.Sprintf(judgeSystem, j.schema),
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		Temperature: 0.1,
		JSON:        true,
	})
	if err != nil {
		return j.fallback.Judge(ctx, cand, heads)
	}

	var d Decision
	if err := json.Unmarshal([]byte(llm.StripFences(resp.Content)), &d); err != nil {
		return j.fallback.Judge(ctx, cand, heads)
	}
	switch d.Verdict {
	case VerdictCompatible, VerdictDuplicate:
		d.Supersedes = nil
		return d, nil
	case VerdictContradicts:
		var ids []string
		for _, id := range d.Supersedes {
			if known[id] {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return j.fallback.Judge(ctx, cand, heads)
		}
		d.Supersedes = ids
		return d, nil
	default:
		return j.fallback.Judge(ctx, cand, heads)
	}
}
