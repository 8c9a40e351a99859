package app

// Operation tracks a CLI command that may mutate the database.
// Operations are created in memory with ID=0. Only DB-mutating commands
// persist them as a sync run, which gives them an auto-increment ID that
// also serves as the snapshot version.
type Operation struct {
	ID       int64
	RunID    string
	Name     string
	Status   string // "success" or "error"
	Devices  int
	Inserted int
}

// NewOperation creates a new in-memory operation.
func NewOperation(name, runID string) *Operation {
	return &Operation{
		Name:   name,
		RunID:  runID,
		Status: "success",
	}
}

// Persisted returns true if this operation has been saved to the database.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

// Fail marks the operation as failed.
func (op *Operation) Fail() {
	op.Status = "error"
}

// Record adds the outcome of one step to the operation totals.
func (op *Operation) Record(devices, inserted int) {
	op.Devices += devices
	op.Inserted += inserted
}
