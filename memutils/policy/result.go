package policy

// Result is the outcome of a verify-and-correct pass over a region
type Result struct {
	// ErrorsFound is the number of logical byte positions at which the physical copies disagreed
	ErrorsFound int
	// ErrorsCorrected is the number of those positions that could be repaired
	ErrorsCorrected int
	// ErrorsUnrecoverable is the number of positions at which no value could be trusted
	ErrorsUnrecoverable int
}

// Recoverable is false if any position in the pass could not be repaired
func (r Result) Recoverable() bool {
	return r.ErrorsUnrecoverable == 0
}

// Clean is true if the pass found no errors at all
func (r Result) Clean() bool {
	return r.ErrorsFound == 0
}

// Add sums another result into this one
func (r *Result) Add(other Result) {
	r.ErrorsFound += other.ErrorsFound
	r.ErrorsCorrected += other.ErrorsCorrected
	r.ErrorsUnrecoverable += other.ErrorsUnrecoverable
}
