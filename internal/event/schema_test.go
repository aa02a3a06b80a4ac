package event

import (
	"errors"
	"testing"
)

func TestSchemaRegistry_UnregisteredTypeAcceptsAnything(t *testing.T) {
	r := NewSchemaRegistry()

	if err := r.Validate("agent.created", nil); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
	if err := r.Validate("agent.created", 42); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestSchemaRegistry_RegisteredValidator(t *testing.T) {
	r := NewSchemaRegistry()
	r.Register("agent.created", func(payload any) error {
		if payload == nil {
			return errors.New("payload required")
		}
		return nil
	})

	if err := r.Validate("agent.created", nil); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Validate(nil) = %v, want ErrInvalidPayload", err)
	}
	if err := r.Validate("agent.created", "ok"); err != nil {
		t.Errorf("Validate(ok) = %v, want nil", err)
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}

func TestRegisterShape(t *testing.T) {
	type created struct {
		AgentID string
	}

	r := NewSchemaRegistry()
	RegisterShape[created](r, "agent.created")

	if err := r.Validate("agent.created", created{AgentID: "a1"}); err != nil {
		t.Errorf("Validate(created) = %v, want nil", err)
	}
	if err := r.Validate("agent.created", "wrong shape"); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Validate(string) = %v, want ErrInvalidPayload", err)
	}
}
