package app

import "testing"

func TestNewOperation(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		runID     string
	}{
		{
			name:      "sync",
			operation: "sync",
			runID:     "7f1c2d9e-0000-4000-8000-000000000001",
		},
		{
			name:      "empty run id",
			operation: "import",
			runID:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation(tt.operation, tt.runID)

			if op.Name != tt.operation {
				t.Errorf("Name = %q, want %q", op.Name, tt.operation)
			}
			if op.RunID != tt.runID {
				t.Errorf("RunID = %q, want %q", op.RunID, tt.runID)
			}
			if op.Status != "success" {
				t.Errorf("Status = %q, want %q", op.Status, "success")
			}
			if op.ID != 0 {
				t.Errorf("ID = %d, want 0", op.ID)
			}
		})
	}
}

func TestOperation_Persisted(t *testing.T) {
	tests := []struct {
		name string
		id   int64
		want bool
	}{
		{name: "not persisted when ID is 0", id: 0, want: false},
		{name: "persisted when ID is positive", id: 1, want: true},
		{name: "persisted when ID is large", id: 99999, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &Operation{ID: tt.id}
			if got := op.Persisted(); got != tt.want {
				t.Errorf("Persisted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOperation_FailAndRecord(t *testing.T) {
	op := NewOperation("sync", "r")
	op.Record(2, 10)
	op.Record(1, 5)
	op.Fail()

	if op.Devices != 3 || op.Inserted != 15 {
		t.Errorf("totals = %d devices, %d inserted, want 3, 15", op.Devices, op.Inserted)
	}
	if op.Status != "error" {
		t.Errorf("Status = %q, want %q", op.Status, "error")
	}
}
