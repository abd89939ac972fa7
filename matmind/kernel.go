/*
Package matmind implements the distributed matrix multiplication engine.

This file contains the local multiplication kernel. Each rank runs it
over the block of left-hand rows it owns against the full right-hand
matrix. The i-k-j loop order keeps the inner loop walking both the
right-hand matrix and the result sequentially, and accumulates every
dot product left to right over the shared dimension; a different
partitioning can therefore move rows between ranks without changing
their accumulation order.
*/
package matmind

import (
	"sync"

	"github.com/dashaylan/MatMind/matrix"
)

// MultiplyBlock computes local x right for the rows of the local block.
// The result has local.Rows rows and right.Cols columns. Fails with
// DimensionError when the inner dimensions disagree.
func MultiplyBlock(local, right *matrix.Matrix) (*matrix.Matrix, error) {
	if local.Cols != right.Rows {
		return nil, &DimensionError{
			LeftRows: local.Rows, LeftCols: local.Cols,
			RightRows: right.Rows, RightCols: right.Cols,
		}
	}

	out := matrix.New(local.Rows, right.Cols)
	multiplyRows(local, right, out, 0, local.Rows)
	return out, nil
}

// MultiplyBlockParallel is MultiplyBlock with the block's rows split
// across workers goroutines. Each output row is still accumulated by a
// single goroutine in the same order as the serial kernel, so the
// result is bit-identical to MultiplyBlock. workers of 0 or 1 runs
// serially.
func MultiplyBlockParallel(local, right *matrix.Matrix, workers int) (*matrix.Matrix, error) {
	if workers <= 1 || local.Rows < 2 {
		return MultiplyBlock(local, right)
	}
	if local.Cols != right.Rows {
		return nil, &DimensionError{
			LeftRows: local.Rows, LeftCols: local.Cols,
			RightRows: right.Rows, RightCols: right.Cols,
		}
	}
	if workers > local.Rows {
		workers = local.Rows
	}

	out := matrix.New(local.Rows, right.Cols)
	chunk := (local.Rows + workers - 1) / workers

	var wg sync.WaitGroup
	for lo := 0; lo < local.Rows; lo += chunk {
		hi := lo + chunk
		if hi > local.Rows {
			hi = local.Rows
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			multiplyRows(local, right, out, lo, hi)
		}(lo, hi)
	}
	wg.Wait()
	return out, nil
}

// multiplyRows computes output rows [lo,hi) of local x right
func multiplyRows(local, right, out *matrix.Matrix, lo, hi int) {
	n := right.Cols
	for i := lo; i < hi; i++ {
		rowOut := out.Row(i)
		rowA := local.Row(i)
		for k := 0; k < local.Cols; k++ {
			valA := rowA[k]
			rowB := right.Data[k*n : (k+1)*n]
			for j := 0; j < n; j++ {
				rowOut[j] += valA * rowB[j]
			}
		}
	}
}
