package events

import (
	"testing"
)

func TestBus_SubscribersInvokedInRegistrationOrder(t *testing.T) {
	bus := NewBus()

	var order []int
	bus.Subscribe(StagePlanGeneration, func(e Event) { order = append(order, 1) })
	bus.Subscribe(StagePlanGeneration, func(e Event) { order = append(order, 2) })
	bus.Subscribe(StagePlanGeneration, func(e Event) { order = append(order, 3) })

	bus.EmitStage(StagePlanGeneration, StatusStart, nil)

	if len(order) != 3 {
		t.Fatalf("expected 3 invocations, got %d", len(order))
	}
	for i, v := range order {
		if v != i+1 {
			t.Errorf("handler %d invoked out of order (got %d)", i+1, v)
		}
	}
}

func TestBus_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := NewBus()

	invoked := false
	bus.Subscribe(StageSafetyCheck, func(e Event) { panic("listener bug") })
	bus.Subscribe(StageSafetyCheck, func(e Event) { invoked = true })

	bus.EmitStage(StageSafetyCheck, StatusComplete, nil)

	if !invoked {
		t.Error("second handler not invoked after first panicked")
	}
}

func TestBus_WildcardReceivesEverything(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.Subscribe("*", func(e Event) { count++ })

	bus.EmitStage(StageComplexityCheck, StatusStart, nil)
	bus.EmitStage(StageStepExecution, StatusProgress, map[string]interface{}{"stepIndex": 1})
	bus.EmitStage(EventProcessingCompleted, StatusComplete, nil)

	if count != 3 {
		t.Errorf("wildcard handler saw %d events, want 3", count)
	}
}

func TestBus_EventFieldsPopulated(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe(StageToolRouting, func(e Event) { got = e })
	bus.EmitStage(StageToolRouting, StatusComplete, "routes")

	if got.ID == "" {
		t.Error("event ID not assigned")
	}
	if got.Timestamp.IsZero() {
		t.Error("event timestamp not assigned")
	}
	if got.Data != "routes" {
		t.Errorf("unexpected data: %v", got.Data)
	}
}
