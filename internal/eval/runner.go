package eval

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/sekai-engine/sekai-memory/internal/consistency"
	"github.com/sekai-engine/sekai-memory/internal/embedding"
	"github.com/sekai-engine/sekai-memory/internal/index"
	"github.com/sekai-engine/sekai-memory/internal/model"
	"github.com/sekai-engine/sekai-memory/internal/retrieval"
	"github.com/sekai-engine/sekai-memory/internal/store"
)

// Runner loads a dataset into a fresh store and scores it.
type Runner struct {
	Dir       string // where the scratch database lives
	Embedder  embedding.Embedder
	Detector  consistency.Detector
	Retrieval retrieval.Config
	Logger    *slog.Logger
}

// Report holds per-rubric averages.
type Report struct {
	Dataset string             `json:"dataset"`
	Samples int                `json:"samples"`
	Flags   int                `json:"flags"`
	Rubrics map[string]Metrics `json:"rubrics"`
}

// Run seeds the dataset, runs a consistency scan and averages each rubric's
// metrics over the samples it applies to.
func (r *Runner) Run(ctx context.Context, d *Dataset, rubrics []string) (*Report, error) {
	if len(rubrics) == 0 {
		rubrics = Names()
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emb := r.Embedder
	if emb == nil {
		emb = embedding.NewHashEmbedder(0)
	}

	s, err := store.NewSQLiteStore(filepath.Join(r.Dir, "eval.db"))
	if err != nil {
		return nil, err
	}
	defer s.Close()
	idx, err := index.New("", emb, logger)
	if err != nil {
		return nil, err
	}

	contents, err := seed(ctx, s, idx, d)
	if err != nil {
		return nil, err
	}
	scan, err := consistency.NewEvaluator(s, r.Detector, logger).Scan(ctx, 4)
	if err != nil {
		return nil, fmt.Errorf("consistency scan: %w", err)
	}

	cfg := r.Retrieval
	if cfg == (retrieval.Config{}) {
		cfg = retrieval.DefaultConfig()
	}
	env := &Env{Store: s, Engine: retrieval.New(s, idx, cfg, logger), Dataset: d, Contents: contents}
	report := &Report{Dataset: d.Name, Samples: len(d.Samples), Flags: scan.Flagged, Rubrics: make(map[string]Metrics)}
	for _, name := range rubrics {
		f, err := lookup(name)
		if err != nil {
			return nil, err
		}
		rubric := f(env)

		sums := make(Metrics)
		counts := make(map[string]int)
		for _, sample := range d.Samples {
			m, err := rubric.Score(ctx, sample)
			if err != nil {
				return nil, fmt.Errorf("%s on %s: %w", name, sample.Name, err)
			}
			for k, v := range m {
				sums[k] += v
				counts[k]++
			}
		}
		avg := make(Metrics, len(sums))
		for k, v := range sums {
			avg[k] = v / float64(counts[k])
		}
		report.Rubrics[name] = avg
	}
	return report, nil
}

// seed writes characters, records and chapter transitions in story order and
// returns a content hash to record id map.
func seed(ctx context.Context, s *store.SQLiteStore, idx *index.Index, d *Dataset) (map[string]string, error) {
	for _, c := range d.Characters {
		if _, err := s.PutCharacter(ctx, model.Character{ID: c.ID, Name: c.Name, Background: c.Background}); err != nil {
			return nil, err
		}
	}

	type item struct {
		chapter  int
		record   model.MemoryRecord
		replaces string
		state    *Transition
	}
	var items []item
	for _, r := range d.Records {
		typ, _ := model.ParseRecordType(r.Type)
		conf := r.Confidence
		if conf == 0 {
			conf = 0.9
		}
		subject := r.Subject
		if typ == model.World {
			subject = model.WorldSubject
		}
		items = append(items, item{
			chapter: r.Chapter,
			record: model.MemoryRecord{
				Type: typ, SubjectID: subject, ObjectID: r.Object, Topic: r.Topic,
				Content: r.Content, Chapter: r.Chapter, Confidence: conf,
			},
			replaces: r.Replaces,
		})
	}
	for i := range d.Chapters {
		items = append(items, item{chapter: d.Chapters[i].Chapter, state: &d.Chapters[i]})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].chapter < items[j].chapter })

	contents := make(map[string]string)
	write := func(rec model.MemoryRecord, replaces string) error {
		w := store.Write{Record: rec}
		if replaces != "" {
			id, ok := contents[model.HashContent(replaces)]
			if !ok {
				return fmt.Errorf("record %q replaces unknown content %q", rec.Content, replaces)
			}
			w.Supersedes = []string{id}
		}
		out, err := s.Apply(ctx, []store.Write{w})
		if err != nil {
			return err
		}
		contents[model.HashContent(out[0].Content)] = out[0].ID
		_, err = idx.Add(ctx, out[0])
		return err
	}

	for _, it := range items {
		if it.state == nil {
			if err := write(it.record, it.replaces); err != nil {
				return nil, err
			}
			continue
		}
		if _, err := s.PutWorldState(ctx, it.state.Chapter, it.state.Summary); err != nil {
			return nil, err
		}
		for i, fact := range it.state.Facts {
			rec := model.MemoryRecord{
				Type: model.World, SubjectID: model.WorldSubject, Topic: fmt.Sprintf("chapter %d fact %d", it.state.Chapter, i+1),
				Content: fact, Chapter: it.state.Chapter, Confidence: 1,
			}
			if err := write(rec, ""); err != nil {
				return nil, err
			}
		}
	}
	return contents, nil
}
