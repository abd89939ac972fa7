/*
Package partition implements the stride based row ownership functions.

This file contains the pure mapping from global row indices of the
left-hand matrix to owning ranks. The mapping is a stateless function of
its inputs so every drone computes the identical partition locally; no
coordination round-trip is needed, and the root uses the same functions
to know where each incoming partial result belongs.
*/
package partition

import (
	"fmt"

	"github.com/dashaylan/MatMind/configs"
)

// Owner returns the rank owning the given global row. Two formulas are
// supported since the launcher's stride semantics were never written
// down: under SchemeCyclic rows are dealt round-robin and the stride is
// ignored, under SchemeBlockCyclic consecutive groups of stride rows go
// to the same rank before moving on.
func Owner(row, stride, nrProc int, scheme string) (uint8, error) {
	if err := check(stride, nrProc); err != nil {
		return 0, err
	}
	if row < 0 {
		return 0, &configs.ConfigError{Field: "row", Reason: fmt.Sprintf("negative row index %d", row)}
	}

	switch scheme {
	case configs.SchemeBlockCyclic:
		return uint8((row / stride) % nrProc), nil
	case configs.SchemeCyclic, "":
		return uint8(row % nrProc), nil
	default:
		return 0, &configs.ConfigError{Field: "Scheme", Reason: "unknown scheme " + scheme}
	}
}

// RowsFor returns the ascending list of global rows owned by rank.
// Every row in [0,totalRows) is owned by exactly one rank for any
// totalRows, including counts that do not divide evenly; the cyclic
// deal hands the remainder out one extra row per rank starting at
// rank 0.
func RowsFor(rank uint8, totalRows, stride, nrProc int, scheme string) ([]int, error) {
	if err := check(stride, nrProc); err != nil {
		return nil, err
	}
	if int(rank) >= nrProc {
		return nil, &configs.ConfigError{Field: "rank",
			Reason: fmt.Sprintf("rank %d outside [0,%d)", rank, nrProc)}
	}
	if totalRows < 0 {
		return nil, &configs.ConfigError{Field: "totalRows",
			Reason: fmt.Sprintf("negative row count %d", totalRows)}
	}

	rows := make([]int, 0, totalRows/nrProc+stride)
	for i := 0; i < totalRows; i++ {
		owner, err := Owner(i, stride, nrProc, scheme)
		if err != nil {
			return nil, err
		}
		if owner == rank {
			rows = append(rows, i)
		}
	}
	return rows, nil
}

func check(stride, nrProc int) error {
	if stride <= 0 {
		return &configs.ConfigError{Field: "Stride", Reason: fmt.Sprintf("must be positive, got %d", stride)}
	}
	if nrProc <= 0 {
		return &configs.ConfigError{Field: "NrProc", Reason: fmt.Sprintf("must be positive, got %d", nrProc)}
	}
	return nil
}
