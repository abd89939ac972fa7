/*
Package matmind implements the distributed matrix multiplication engine.

This file contains the run pipeline and the result assembler. Every
rank walks the same phases: obtain its share of the left-hand matrix
per the stride partition, obtain the full right-hand matrix, multiply,
and ship the partial result to the root. The root then places each
partial's rows back at their global indices, which it computes from the
same pure partition functions the owners used.
*/
package matmind

import (
	"fmt"

	"github.com/dashaylan/MatMind/configs"
	"github.com/dashaylan/MatMind/matrix"
	"github.com/dashaylan/MatMind/partition"
)

// Run executes one distributed multiplication. On the root the full
// product is returned and, when cfg.Output is set, written out; on
// every other rank the returned matrix is nil. Any local failure after
// startup is announced to the peers via Abort before the error is
// returned, so nobody stays blocked on a dead rank.
func (mm *MM) Run(cfg *configs.RunConfig) (*matrix.Matrix, error) {
	if err := cfg.Validate(); err != nil {
		// Config errors are caller mistakes caught before any
		// communication, the peers never started depending on us
		return nil, err
	}

	// File loading still counts as Initializing and happens before the
	// first collective call: a bad matrix file must surface as a
	// FormatError without a single message on the wire, and the output
	// file must never appear.
	a, b, err := mm.loadInputs(cfg)
	if err != nil {
		mm.Abort(err.Error())
		return nil, err
	}

	// Everyone checks in before any data moves, so a rank that died
	// loading is caught here and not mid-transfer
	mm.enterPhase(Partitioning)
	if err := mm.Barrier(0); err != nil {
		return nil, err
	}

	mm.enterPhase(Broadcasting)
	local, right, err := mm.distribute(cfg, a, b)
	if err != nil {
		return nil, err
	}

	mm.enterPhase(Computing)
	part, err := MultiplyBlockParallel(local, right, mm.workers)
	if err != nil {
		mm.Abort(err.Error())
		return nil, err
	}

	mm.enterPhase(Exchanging)
	if mm.pid != RootRank {
		if err := mm.SendPartial(part); err != nil {
			return nil, err
		}
		mm.enterPhase(Done)
		return nil, nil
	}

	mm.enterPhase(Assembling)
	out, err := mm.assemble(part, right.Cols, mm.totalRows)
	if err != nil {
		return nil, err
	}

	if cfg.Output != "" {
		if err := matrix.Write(cfg.Output, out); err != nil {
			mm.Abort(err.Error())
			return nil, err
		}
	}

	mm.enterPhase(Done)
	return out, nil
}

// loadInputs reads the matrix files on the ranks that need them: every
// rank under replicated load, only the root otherwise. Returns nil
// matrices on ranks that will receive their data over the wire.
func (mm *MM) loadInputs(cfg *configs.RunConfig) (a, b *matrix.Matrix, err error) {
	if !cfg.ReplicatedLoad && mm.pid != RootRank {
		return nil, nil, nil
	}

	a, err = matrix.Load(cfg.MatrixA)
	if err != nil {
		return nil, nil, err
	}
	b, err = matrix.Load(cfg.MatrixB)
	if err != nil {
		return nil, nil, err
	}
	if a.Cols != b.Rows {
		return nil, nil, &DimensionError{LeftRows: a.Rows, LeftCols: a.Cols,
			RightRows: b.Rows, RightCols: b.Cols}
	}
	mm.totalRows = a.Rows
	return a, b, nil
}

// distribute gets this rank its local left-hand block and the full
// right-hand matrix. Under replicated load each rank slices its own
// copy; otherwise the root broadcasts the right matrix and sends every
// owner its row block.
func (mm *MM) distribute(cfg *configs.RunConfig, a, b *matrix.Matrix) (local, right *matrix.Matrix, err error) {
	if cfg.ReplicatedLoad {
		rows, err := partition.RowsFor(mm.pid, a.Rows, mm.stride, int(mm.nrProc), mm.scheme)
		if err != nil {
			mm.Abort(err.Error())
			return nil, nil, err
		}
		return a.SelectRows(rows), b, nil
	}

	if mm.pid == RootRank {
		if _, err := mm.BroadcastMatrix(b, RootRank); err != nil {
			return nil, nil, err
		}

		var myBlock *matrix.Matrix
		var i uint8
		for i = 0; i < mm.nrProc; i++ {
			rows, err := partition.RowsFor(i, a.Rows, mm.stride, int(mm.nrProc), mm.scheme)
			if err != nil {
				mm.Abort(err.Error())
				return nil, nil, err
			}
			block := a.SelectRows(rows)
			if i == mm.pid {
				myBlock = block
				continue
			}
			if err := mm.SendBlock(i, block); err != nil {
				return nil, nil, err
			}
		}
		return myBlock, b, nil
	}

	// Non-root: the right matrix arrives first, then our row block.
	// Per-pair FIFO from the root guarantees this order.
	b, err = mm.BroadcastMatrix(nil, RootRank)
	if err != nil {
		return nil, nil, err
	}
	block, err := mm.ReceiveBlock()
	if err != nil {
		return nil, nil, err
	}
	return block, b, nil
}

// assemble runs only on the root. It merges the root's own partial with
// the N-1 remote ones, placing every row at its global index. The
// output is complete only after all partials arrived; arrival order is
// irrelevant since the sender's rank rides in the message header.
func (mm *MM) assemble(own *matrix.Matrix, cols, totalRows int) (*matrix.Matrix, error) {
	out := matrix.New(totalRows, cols)

	if err := mm.placeBlock(out, mm.pid, own); err != nil {
		mm.Abort(err.Error())
		return nil, err
	}

	for n := 0; n < int(mm.nrProc)-1; n++ {
		src, block, err := mm.receivePartial()
		if err != nil {
			return nil, err
		}
		if err := mm.placeBlock(out, src, block); err != nil {
			mm.Abort(err.Error())
			return nil, err
		}
	}
	return out, nil
}

// placeBlock copies a rank's partial rows to their global positions
func (mm *MM) placeBlock(out *matrix.Matrix, src uint8, block *matrix.Matrix) error {
	rows, err := partition.RowsFor(src, out.Rows, mm.stride, int(mm.nrProc), mm.scheme)
	if err != nil {
		return err
	}
	if len(rows) != block.Rows || (block.Rows > 0 && block.Cols != out.Cols) {
		return fmt.Errorf("matmind: partial from rank %d is %dx%d, expected %dx%d",
			src, block.Rows, block.Cols, len(rows), out.Cols)
	}
	for i, r := range rows {
		copy(out.Row(r), block.Row(i))
	}
	return nil
}
