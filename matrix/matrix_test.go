/*
Package matrix implements the dense matrix type used by MatMind.

This file contains the unit tests for the matrix buffer and the
file loader/writer.
*/
package matrix

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestNewAndIndexing(t *testing.T) {
	m := New(3, 2)

	if m.Rows != 3 || m.Cols != 2 {
		t.Errorf("[TEST] Expected 3x2 matrix, got %dx%d", m.Rows, m.Cols)
	}
	if len(m.Data) != 6 {
		t.Errorf("[TEST] Expected buffer length 6, got %d", len(m.Data))
	}

	m.Set(2, 1, 7.5)
	if m.At(2, 1) != 7.5 {
		t.Errorf("[TEST] Expected 7.5 at (2,1), got %f", m.At(2, 1))
	}
	if m.Data[5] != 7.5 {
		t.Errorf("[TEST] Row-major layout broken, Data[5]=%f", m.Data[5])
	}
}

func TestFromRowsAndSelectRows(t *testing.T) {
	m := FromRows([][]float64{
		{1, 0},
		{0, 1},
		{1, 1},
		{0, 0},
	})

	b := m.SelectRows([]int{1, 3})
	if b.Rows != 2 || b.Cols != 2 {
		t.Fatalf("[TEST] Expected 2x2 block, got %dx%d", b.Rows, b.Cols)
	}
	if b.At(0, 1) != 1 || b.At(1, 0) != 0 {
		t.Errorf("[TEST] SelectRows copied wrong rows: %v", b.Data)
	}

	// block must be a copy, not an alias
	b.Set(0, 0, 99)
	if m.At(1, 0) == 99 {
		t.Errorf("[TEST] SelectRows aliases the source matrix")
	}
}

func TestLoadWriteRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.mat")
	m := FromRows([][]float64{
		{2, 0, -1.5},
		{0, 3, 0.25},
	})

	if err := Write(path, m); err != nil {
		t.Fatalf("[TEST] Can't write matrix: %s", err.Error())
	}

	m2, err := Load(path)
	if err != nil {
		t.Fatalf("[TEST] Can't load matrix: %s", err.Error())
	}

	if !m.Equal(m2, 0) {
		t.Errorf("[TEST] Roundtrip mismatch: got %v expected %v", m2.Data, m.Data)
	}
}

func TestLoadMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name    string
		content string
	}{
		{"short.mat", "2 2\n1 2 3\n"},
		{"long.mat", "2 2\n1 2 3 4 5\n"},
		{"noheader.mat", ""},
		{"halfheader.mat", "3\n"},
		{"badrows.mat", "two 2\n1 2 3 4\n"},
		{"badvalue.mat", "2 2\n1 2 x 4\n"},
		{"negdims.mat", "-2 2\n"},
	}

	for _, tc := range cases {
		path := filepath.Join(dir, tc.name)
		if err := ioutil.WriteFile(path, []byte(tc.content), 0644); err != nil {
			t.Fatalf("[TEST] Can't write fixture: %s", err.Error())
		}
		_, err := Load(path)
		if err == nil {
			t.Errorf("[TEST] Expected %s to fail to load", tc.name)
			continue
		}
		if _, ok := err.(*FormatError); !ok {
			t.Errorf("[TEST] Expected FormatError for %s, got %T: %s", tc.name, err, err.Error())
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.mat"))
	if err == nil {
		t.Fatalf("[TEST] Expected error loading missing file")
	}
	if _, ok := err.(*FormatError); ok {
		t.Errorf("[TEST] Missing file should be an I/O error, not FormatError")
	}
	if !os.IsNotExist(err) {
		t.Errorf("[TEST] Expected not-exist error, got %s", err.Error())
	}
}

func TestWriteLeavesNoPartialFile(t *testing.T) {
	// Writing into a directory that vanished must not leave a .tmp file
	// behind at the destination path.
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "out.mat")

	if err := Write(path, New(1, 1)); err == nil {
		t.Fatalf("[TEST] Expected write into missing dir to fail")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("[TEST] Partial output left at %s", path)
	}
}

func TestEqualTolerance(t *testing.T) {
	a := FromRows([][]float64{{1, 2}})
	b := FromRows([][]float64{{1, 2 + 1e-12}})
	c := FromRows([][]float64{{1, 2.1}})

	if !a.Equal(b, 1e-9) {
		t.Errorf("[TEST] Expected matrices equal within tolerance")
	}
	if a.Equal(c, 1e-9) {
		t.Errorf("[TEST] Expected matrices to differ beyond tolerance")
	}
	if a.Equal(New(2, 1), 1e-9) {
		t.Errorf("[TEST] Shape mismatch must not compare equal")
	}
}
