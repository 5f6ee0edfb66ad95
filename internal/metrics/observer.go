package metrics

// HubObserver tracks stream subscribers and pushes.
type HubObserver interface {
	IncOnline()
	DecOnline()
	RecordPush()
	ObservePushLatency(duration float64)
	UpdateEventLag(lag int)
}

// TraitObserver counts trait writes by operation and outcome.
type TraitObserver interface {
	RecordTraitWrite(op, outcome string)
}

type ForwardObserver interface {
	RecordForward(outcome string)
}

type VersionObserver interface {
	RecordPublish()
}

// Nop satisfies every observer and records nothing.
type Nop struct{}

func (Nop) IncOnline()                   {}
func (Nop) DecOnline()                   {}
func (Nop) RecordPush()                  {}
func (Nop) ObservePushLatency(float64)   {}
func (Nop) UpdateEventLag(int)           {}
func (Nop) RecordTraitWrite(_, _ string) {}
func (Nop) RecordForward(string)         {}
func (Nop) RecordPublish()               {}
