/*
Package matmind implements the distributed matrix multiplication engine.

This file contains the run phases. A run is a single forward pass
through the pipeline; no phase is ever revisited. Non-root ranks stop
after Exchanging, only the root goes through Assembling.
*/
package matmind

import "time"

// Phase identifies where in the pipeline a rank currently is
type Phase int

const (
	Initializing Phase = iota
	Partitioning
	Broadcasting
	Computing
	Exchanging
	Assembling
	Done
	phaseCount
)

var phaseName = map[Phase]string{
	Initializing: "Initializing",
	Partitioning: "Partitioning",
	Broadcasting: "Broadcasting",
	Computing:    "Computing",
	Exchanging:   "Exchanging",
	Assembling:   "Assembling",
	Done:         "Done",
}

func (p Phase) String() string {
	if s, ok := phaseName[p]; ok {
		return s
	}
	return "Unknown"
}

// Phase returns the phase the rank is currently in
func (mm *MM) Phase() Phase {
	return mm.phase
}

// enterPhase closes out the timing of the current phase and moves on
func (mm *MM) enterPhase(p Phase) {
	now := time.Now()
	mm.timings[mm.phase] += now.Sub(mm.phaseAt)
	mm.LogDebug("Phase %s -> %s", mm.phase, p)
	mm.phase = p
	mm.phaseAt = now
}
