// Package types holds small data shapes shared between device and server
// sides.
package types

import "time"

// Reading is one sensor sample. Immutable once constructed. The wire carries
// only sensor type and value; ObservedAt is assigned by the sink at store
// time because the device has no reliable clock sync.
type Reading struct {
	SensorType string    `json:"sensor"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"-"`
}

// Source produces readings for the device agent. The sampling hardware
// behind it is not this repository's business.
type Source interface {
	Read() (Reading, error)
}

// SourceFunc adapts a plain function to Source.
type SourceFunc func() (Reading, error)

func (f SourceFunc) Read() (Reading, error) { return f() }
