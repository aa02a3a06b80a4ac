package event

import (
	"context"
	"testing"
)

func TestPublisher_StampsSource(t *testing.T) {
	b := newRunningBus(t)

	var c collector
	if _, err := b.Subscribe("task.*", c.handler()); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	p := NewPublisher(b, "scheduler")
	if p.Source() != "scheduler" {
		t.Errorf("Source() = %q, want scheduler", p.Source())
	}

	if err := p.Publish(context.Background(), "task.created", nil); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got := c.waitFor(t, 1)
	if got[0].Source != "scheduler" {
		t.Errorf("delivered source = %q, want scheduler", got[0].Source)
	}
}

func TestPublisher_PropagatesBusErrors(t *testing.T) {
	b := NewBus() // not started

	p := NewPublisher(b, "worker")
	if err := p.Publish(context.Background(), "task.created", nil); err == nil {
		t.Error("expected error publishing on a stopped bus")
	}
}
