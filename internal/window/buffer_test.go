package window

import (
	"errors"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/model"

	"github.com/google/uuid"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func ev(kind model.EventKind, offset time.Duration) model.Event {
	return model.Event{ID: uuid.New(), DeviceID: "cam-1", Kind: kind, Timestamp: base.Add(offset)}
}

func TestAppendAssignsSequence(t *testing.T) {
	b := NewBuffer("cam-1", 10)
	first := b.Append(ev(model.KindMotion, 0))
	second := b.Append(ev(model.KindMotion, -time.Second))
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("expected seq 1,2 got %d,%d", first.Seq, second.Seq)
	}
	if b.NextSeq() != 3 {
		t.Fatalf("expected next seq 3, got %d", b.NextSeq())
	}
}

func TestRangeOrdersByTimestampAndFiltersKind(t *testing.T) {
	b := NewBuffer("cam-1", 10)
	late := b.Append(ev(model.KindMotion, 5*time.Second))
	early := b.Append(ev(model.KindMotion, 1*time.Second))
	b.Append(ev(model.KindImage, 2*time.Second))
	b.Append(ev(model.KindMotion, 30*time.Second))

	got := b.Range(base, base.Add(10*time.Second), model.KindMotion)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].ID != early.ID || got[1].ID != late.ID {
		t.Fatalf("unexpected order: %v", got)
	}

	all := b.Range(time.Time{}, time.Time{}, "")
	if len(all) != 4 {
		t.Fatalf("expected 4 events, got %d", len(all))
	}
}

func TestRangeBoundsAreInclusive(t *testing.T) {
	b := NewBuffer("cam-1", 10)
	b.Append(ev(model.KindImage, 0))
	b.Append(ev(model.KindImage, 10*time.Second))
	got := b.Range(base, base.Add(10*time.Second), model.KindImage)
	if len(got) != 2 {
		t.Fatalf("expected both boundary events, got %d", len(got))
	}
}

func TestAppendEvictsOldestWhenFull(t *testing.T) {
	b := NewBuffer("cam-1", 2)
	oldest := b.Append(ev(model.KindMotion, 0))
	b.Append(ev(model.KindMotion, time.Second))
	b.Append(ev(model.KindMotion, 2*time.Second))
	if b.Len() != 2 {
		t.Fatalf("expected 2 events, got %d", b.Len())
	}
	if _, ok := b.Get(oldest.ID); ok {
		t.Fatalf("expected oldest event evicted")
	}
}

func TestLinkIsAllOrNothing(t *testing.T) {
	b := NewBuffer("cam-1", 10)
	m := b.Append(ev(model.KindMotion, 0))
	i := b.Append(ev(model.KindImage, time.Second))
	other := b.Append(ev(model.KindImage, 2*time.Second))

	if err := b.Link(i.ID, m.ID); err != nil {
		t.Fatalf("link: %v", err)
	}
	gm, _ := b.Get(m.ID)
	gi, _ := b.Get(i.ID)
	if !gm.Correlated || !gi.Correlated || *gm.LinkedEventID != i.ID || *gi.LinkedEventID != m.ID {
		t.Fatalf("expected symmetric link, got %+v / %+v", gm, gi)
	}

	if err := b.Link(other.ID, m.ID); !errors.Is(err, ErrAlreadyLinked) {
		t.Fatalf("expected ErrAlreadyLinked, got %v", err)
	}
	go2, _ := b.Get(other.ID)
	if go2.Correlated || go2.LinkedEventID != nil {
		t.Fatalf("unlinked side must stay untouched")
	}
	if err := b.Link(uuid.New(), other.ID); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestPrune(t *testing.T) {
	b := NewBuffer("cam-1", 10)
	b.Append(ev(model.KindMotion, 0))
	keep := b.Append(ev(model.KindMotion, time.Hour))
	if n := b.Prune(base.Add(time.Minute)); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if _, ok := b.Get(keep.ID); !ok {
		t.Fatalf("expected newer event kept")
	}
}
