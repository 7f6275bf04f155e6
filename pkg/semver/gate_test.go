package semver

import "testing"

func TestGate_Check(t *testing.T) {
	tests := []struct {
		name       string
		constraint string
		required   bool
		version    string
		wantErr    bool
	}{
		{name: "no constraint admits anything", constraint: "", version: "0.0.1"},
		{name: "caret match", constraint: "^1.2", version: "1.4.0"},
		{name: "caret reject major", constraint: "^1.2", version: "2.0.0", wantErr: true},
		{name: "range match", constraint: ">=1.0.0, <2.0.0", version: "sockr-js/1.9"},
		{name: "range reject", constraint: ">=1.0.0, <2.0.0", version: "0.9.0", wantErr: true},
		{name: "missing optional", constraint: "^1", version: ""},
		{name: "missing required", constraint: "^1", required: true, version: "", wantErr: true},
		{name: "unparseable", constraint: "^1", version: "banana", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGate(tt.constraint, tt.required)
			if err != nil {
				t.Fatalf("semver:gate_test - NewGate: %v", err)
			}
			err = g.Check(tt.version)
			if (err != nil) != tt.wantErr {
				t.Errorf("semver:gate_test - Check(%q) error = %v, wantErr %v", tt.version, err, tt.wantErr)
			}
		})
	}
}

func TestNewGate_InvalidConstraint(t *testing.T) {
	if _, err := NewGate(">>>1", false); err == nil {
		t.Fatal("semver:gate_test - expected error for invalid constraint")
	}
}

func TestGate_NilConstraint(t *testing.T) {
	var g *Gate
	if g.Constraint() != "" {
		t.Errorf("semver:gate_test - nil gate constraint = %q", g.Constraint())
	}
}
