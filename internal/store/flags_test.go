package store

import (
	"context"
	"testing"

	"github.com/sekai-engine/sekai-memory/internal/model"
)

func TestPutFlagsDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	f := model.Flag{RecordID: "r1", CauseID: "w1", Kind: model.FlagInvalidated, Reason: "castle destroyed"}
	n, err := s.PutFlags(ctx, []model.Flag{f, f})
	if err != nil {
		t.Fatalf("put flags: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 flag added, got %d", n)
	}
	n, _ = s.PutFlags(ctx, []model.Flag{f})
	if n != 0 {
		t.Errorf("expected re-flagging to be a no-op, got %d", n)
	}

	open, _ := s.ListFlags(ctx, model.FlagOpen)
	if len(open) != 1 {
		t.Fatalf("expected 1 open flag, got %d", len(open))
	}
	if open[0].Status != model.FlagOpen || open[0].Kind != model.FlagInvalidated {
		t.Errorf("unexpected flag: %+v", open[0])
	}
}

func TestResolveFlag(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.PutFlags(ctx, []model.Flag{{RecordID: "r1", CauseID: "w1", Kind: model.FlagContradiction, Reason: "x"}})
	open, _ := s.ListFlags(ctx, model.FlagOpen)

	if err := s.ResolveFlag(ctx, open[0].ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	open, _ = s.ListFlags(ctx, model.FlagOpen)
	if len(open) != 0 {
		t.Errorf("expected no open flags, got %d", len(open))
	}
	all, _ := s.ListFlags(ctx, "")
	if len(all) != 1 || all[0].Status != model.FlagResolved {
		t.Errorf("expected one resolved flag, got %+v", all)
	}

	if err := s.ResolveFlag(ctx, "missing"); !model.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestPutFlagsRejectsUnknownKind(t *testing.T) {
	s := newTestStore(t)
	_, err := s.PutFlags(context.Background(), []model.Flag{{RecordID: "r", CauseID: "c", Kind: "bogus"}})
	if err == nil {
		t.Error("expected error for unknown flag kind")
	}
}
