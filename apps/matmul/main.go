/*
Demo of the MatMind engine on a single machine. Runs the whole
multiplication with every rank as a goroutine on the loopback
transport: A is a 4x2 matrix, B a 2x2 diagonal, two ranks with a
cyclic partition. Rank 0 assembles and prints the product.
*/
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dashaylan/MatMind/configs"
	"github.com/dashaylan/MatMind/matmind"
	"github.com/dashaylan/MatMind/matrix"
)

const (
	NRPROC = 2
	STRIDE = 1
	PORT   = 24100
)

var done chan int = make(chan int, NRPROC)

var gvec string = "MatMul"

func drone(id uint8, ids []uint8, ips []string, cfg *configs.RunConfig) {
	mm := matmind.NewMatMind(id, NRPROC, cfg.Stride, cfg.Scheme, cfg.Workers)
	mm.SetDebug(2)
	if err := mm.StartupTipc(PORT, gvec); err != nil {
		fmt.Println("Drone", id, "startup failed:", err)
		done <- int(id)
		return
	}
	defer mm.Exit()

	time.Sleep(time.Millisecond * 200)
	if err := mm.ConnectToPeers(ids, ips); err != nil {
		fmt.Println("Drone", id, "connect failed:", err)
		done <- int(id)
		return
	}

	out, err := mm.Run(cfg)
	if err != nil {
		fmt.Println("Drone", id, "run failed:", err)
		done <- int(id)
		return
	}

	if out != nil {
		fmt.Println("Product assembled at rank", id)
		for i := 0; i < out.Rows; i++ {
			fmt.Println(out.Row(i))
		}
	}
	done <- int(id)
}

func main() {
	dir, err := os.MkdirTemp("", "matmul")
	if err != nil {
		fmt.Println("Can't create workdir:", err)
		return
	}
	defer os.RemoveAll(dir)

	a := matrix.FromRows([][]float64{{1, 0}, {0, 1}, {1, 1}, {0, 0}})
	b := matrix.FromRows([][]float64{{2, 0}, {0, 3}})
	apath := filepath.Join(dir, "a.mat")
	bpath := filepath.Join(dir, "b.mat")
	if err := matrix.Write(apath, a); err != nil {
		fmt.Println("Can't write input:", err)
		return
	}
	if err := matrix.Write(bpath, b); err != nil {
		fmt.Println("Can't write input:", err)
		return
	}

	cfg := &configs.RunConfig{
		NrProc:         NRPROC,
		Stride:         STRIDE,
		Scheme:         configs.SchemeCyclic,
		MatrixA:        apath,
		MatrixB:        bpath,
		ReplicatedLoad: true,
	}

	ids := []uint8{0, 1}
	ips := []string{"localhost", "localhost"}

	go matmind.DumpLog()
	go drone(0, ids, ips, cfg)
	go drone(1, ids, ips, cfg)

	for i := 0; i < NRPROC; i++ {
		id := <-done
		fmt.Printf("Drone[%d] is done\n", id)
	}
	time.Sleep(time.Millisecond * 500)
}
