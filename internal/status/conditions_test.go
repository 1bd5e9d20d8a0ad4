package status

import (
	"reflect"
	"testing"
)

func TestAdditionalState(t *testing.T) {
	tests := []struct {
		name      string
		state     AdditionalState
		wantNames []string
		wantStr   string
	}{
		{"none", 0, nil, "none"},
		{"cloning", Cloning, []string{"cloning"}, "cloning"},
		{"cloning and moving", Cloning | Moving, []string{"cloning", "moving"}, "cloning,moving"},
		{"all", Cloning | Moving | BackingUp, []string{"cloning", "moving", "backing-up"}, "cloning,moving,backing-up"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Names(); !reflect.DeepEqual(got, tt.wantNames) {
				t.Errorf("Names() = %v, want %v", got, tt.wantNames)
			}
			if got := tt.state.String(); got != tt.wantStr {
				t.Errorf("String() = %q, want %q", got, tt.wantStr)
			}
		})
	}
}

func TestAdditionalStateHas(t *testing.T) {
	a := Cloning | BackingUp

	if !a.Has(Cloning) {
		t.Error("expected Cloning to be set")
	}
	if a.Has(Moving) {
		t.Error("expected Moving to be clear")
	}
	if !a.Has(Cloning | BackingUp) {
		t.Error("expected both flags to be set")
	}
}

func TestAllPowerStates(t *testing.T) {
	if len(AllPowerStates()) != 3 {
		t.Fatalf("expected 3 power states, got %d", len(AllPowerStates()))
	}
	if AllPowerStates()[0] != Normal {
		t.Error("Normal should come first")
	}
}
