package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/libris/circulation/pkg/domain"
)

type counterOpened struct {
	Owner string `json:"owner"`
}

func (counterOpened) EventType() string { return "CounterOpened" }

type counterIncremented struct {
	By int `json:"by"`
}

func (counterIncremented) EventType() string { return "CounterIncremented" }

func init() {
	domain.RegisterPayload(func() domain.Payload { return &counterOpened{} }, 1)
	domain.RegisterPayload(func() domain.Payload { return &counterIncremented{} }, 1)
}

type counter struct {
	domain.AggregateRoot
	Owner string
	Total int
}

func newCounter(id string) *counter {
	return &counter{AggregateRoot: domain.NewAggregateRoot(id, "Counter")}
}

func (c *counter) Apply(evt *domain.Event) error {
	payload, err := evt.DecodePayload()
	if err != nil {
		return err
	}
	switch p := payload.(type) {
	case *counterOpened:
		c.Owner = p.Owner
	case *counterIncremented:
		c.Total += p.By
	}
	return nil
}

func TestRecordAssignsContiguousVersions(t *testing.T) {
	c := newCounter("c-1")

	if err := c.Record(&counterOpened{Owner: "amara"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := c.Record(&counterIncremented{By: 2}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := c.Record(&counterIncremented{By: 3}); err != nil {
		t.Fatalf("record: %v", err)
	}

	events := c.UncommittedEvents()
	if len(events) != 3 {
		t.Fatalf("expected 3 uncommitted events, got %d", len(events))
	}
	for i, evt := range events {
		if evt.Version != int64(i+1) {
			t.Errorf("event %d: version = %d, want %d", i, evt.Version, i+1)
		}
		if evt.AggregateID != "c-1" || evt.AggregateType != "Counter" {
			t.Errorf("event %d: wrong aggregate identity %s/%s", i, evt.AggregateID, evt.AggregateType)
		}
	}
	if c.Version() != 3 {
		t.Errorf("aggregate version = %d, want 3", c.Version())
	}
}

func TestRecordDeterministicEventIDs(t *testing.T) {
	build := func() []*domain.Event {
		c := newCounter("c-9")
		c.SetCommandContext("cmd-42", "corr-1")
		_ = c.Record(&counterOpened{Owner: "amara"})
		_ = c.Record(&counterIncremented{By: 1})
		return c.UncommittedEvents()
	}

	first, second := build(), build()
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("event %d: IDs differ across identical command executions: %s vs %s",
				i, first[i].ID, second[i].ID)
		}
	}
	if first[0].ID == first[1].ID {
		t.Error("events within one command share an ID")
	}
	if first[0].Metadata.CorrelationID != "corr-1" {
		t.Errorf("correlation id = %q, want corr-1", first[0].Metadata.CorrelationID)
	}
}

func TestRehydrationIsDeterministic(t *testing.T) {
	source := newCounter("c-2")
	source.SetCommandContext("cmd-1", "")
	_ = source.Record(&counterOpened{Owner: "jun"})
	_ = source.Record(&counterIncremented{By: 5})
	_ = source.Record(&counterIncremented{By: 7})
	history := source.UncommittedEvents()

	replay := func() *counter {
		c := newCounter("c-2")
		for _, evt := range history {
			if err := c.Apply(evt); err != nil {
				t.Fatalf("apply: %v", err)
			}
		}
		c.LoadFromHistory(history)
		return c
	}

	a, b := replay(), replay()
	if a.Total != 12 || b.Total != 12 {
		t.Errorf("totals = %d, %d, want 12", a.Total, b.Total)
	}
	if a.Owner != "jun" || a.Version() != 3 {
		t.Errorf("owner=%q version=%d after replay", a.Owner, a.Version())
	}
}

func TestDecodeUnknownEventType(t *testing.T) {
	evt := &domain.Event{EventType: "NeverRegistered", Data: []byte(`{}`)}
	_, err := evt.DecodePayload()

	var unknown *domain.UnknownEventTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownEventTypeError, got %v", err)
	}
	if unknown.EventType != "NeverRegistered" {
		t.Errorf("unknown.EventType = %q", unknown.EventType)
	}
}

func TestTimeFuncOverride(t *testing.T) {
	fixed := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	domain.TimeFunc = func() time.Time { return fixed }
	defer func() { domain.TimeFunc = time.Now }()

	c := newCounter("c-3")
	_ = c.Record(&counterOpened{Owner: "amara"})

	if got := c.UncommittedEvents()[0].Timestamp; !got.Equal(fixed) {
		t.Errorf("timestamp = %v, want %v", got, fixed)
	}
}
