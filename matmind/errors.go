/*
Package matmind implements the distributed matrix multiplication engine.

This file contains the error types surfaced by the engine. All of them
are fatal to the run: the engine never retries, it notifies peers and
terminates (see Abort).
*/
package matmind

import "fmt"

// DimensionError reports matrix shapes that cannot be multiplied. It
// indicates a caller or config mismatch, not a runtime fault.
type DimensionError struct {
	LeftRows, LeftCols   int
	RightRows, RightCols int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("matmind: cannot multiply %dx%d by %dx%d: inner dimensions %d and %d differ",
		e.LeftRows, e.LeftCols, e.RightRows, e.RightCols, e.LeftCols, e.RightRows)
}

// TransportError reports a communication failure or an abort notice
// from another rank. Partial results cannot safely be reused after a
// lost message, so the whole run is considered dead; restarting it is
// the job launcher's business.
type TransportError struct {
	Rank   uint8 // rank where the failure originated
	Reason string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("matmind: transport failure at rank %d: %s", e.Rank, e.Reason)
}
