/*
Package matrix implements the dense matrix type used by MatMind.

This file contains the row-major matrix buffer along with the file
loader and writer for the on-disk matrix format.
*/
package matrix

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
)

// FormatError reports a matrix file whose contents do not match its
// declared dimensions, or which cannot be parsed at all.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("matrix %s: %s", e.Path, e.Reason)
}

// Matrix is a dense 2-D float64 buffer stored row-major. Once loaded it
// is treated as read-only for the lifetime of the multiplication.
// Fields are exported so matrices can travel through gob unchanged.
type Matrix struct {
	Rows int
	Cols int
	Data []float64
}

// New creates a zeroed Rows x Cols matrix
func New(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// FromRows builds a matrix from a slice of equal length row vectors.
// Handy for tests and the demo apps.
func FromRows(rows [][]float64) *Matrix {
	if len(rows) == 0 {
		return New(0, 0)
	}
	m := New(len(rows), len(rows[0]))
	for i, r := range rows {
		copy(m.Data[i*m.Cols:(i+1)*m.Cols], r)
	}
	return m
}

// At returns the element at row i, column j
func (m *Matrix) At(i, j int) float64 {
	return m.Data[i*m.Cols+j]
}

// Set stores v at row i, column j
func (m *Matrix) Set(i, j int, v float64) {
	m.Data[i*m.Cols+j] = v
}

// Row returns the i-th row as a slice aliasing the underlying buffer
func (m *Matrix) Row(i int) []float64 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// Equal reports whether m and m2 have the same shape and elementwise
// agree within tol. Used to compare distributed against serial results,
// which may differ in the last bits when the accumulation order differs.
func (m *Matrix) Equal(m2 *Matrix, tol float64) bool {
	if m.Rows != m2.Rows || m.Cols != m2.Cols {
		return false
	}
	for i, v := range m.Data {
		if math.Abs(v-m2.Data[i]) > tol {
			return false
		}
	}
	return true
}

// SelectRows copies the listed global rows of m into a new contiguous
// block, in the order given. This is how a rank materializes its local
// block from the partitioner's row list.
func (m *Matrix) SelectRows(rows []int) *Matrix {
	b := New(len(rows), m.Cols)
	for i, r := range rows {
		copy(b.Row(i), m.Row(r))
	}
	return b
}

/*---------------------------------------------------------------------*/
/*------------------------File I/O-------------------------------------*/

// Load reads a matrix file. The format is a header line "rows cols"
// followed by rows*cols whitespace separated values in row-major order.
// A file whose data length disagrees with the declared dimensions fails
// with FormatError; read failures are returned as-is.
func Load(path string) (*Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		//unreadable file, surface the OS error
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	sc.Split(bufio.ScanWords)

	next := func() (string, bool) {
		if !sc.Scan() {
			return "", false
		}
		return sc.Text(), true
	}

	rtok, ok := next()
	if !ok {
		return nil, &FormatError{Path: path, Reason: "missing dimension header"}
	}
	ctok, ok := next()
	if !ok {
		return nil, &FormatError{Path: path, Reason: "missing column count in header"}
	}

	rows, err := strconv.Atoi(rtok)
	if err != nil {
		return nil, &FormatError{Path: path, Reason: "bad row count " + rtok}
	}
	cols, err := strconv.Atoi(ctok)
	if err != nil {
		return nil, &FormatError{Path: path, Reason: "bad column count " + ctok}
	}
	if rows < 0 || cols < 0 {
		return nil, &FormatError{Path: path, Reason: fmt.Sprintf("negative dimensions %dx%d", rows, cols)}
	}

	m := New(rows, cols)
	for i := range m.Data {
		tok, ok := next()
		if !ok {
			return nil, &FormatError{Path: path,
				Reason: fmt.Sprintf("declared %dx%d but data ends after %d values", rows, cols, i)}
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, &FormatError{Path: path, Reason: "bad value " + tok}
		}
		m.Data[i] = v
	}

	// Trailing data means the header lied about the shape
	if _, ok := next(); ok {
		return nil, &FormatError{Path: path,
			Reason: fmt.Sprintf("more than %dx%d values in file", rows, cols)}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	return m, nil
}

// Write stores the matrix in the same format Load reads. The file is
// written to a temp name and renamed so a failed run never leaves a
// partial output behind.
func Write(path string, m *Matrix) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%d %d\n", m.Rows, m.Cols)
	for i := 0; i < m.Rows; i++ {
		row := m.Row(i)
		for j, v := range row {
			if j > 0 {
				w.WriteByte(' ')
			}
			w.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		w.WriteByte('\n')
	}

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
