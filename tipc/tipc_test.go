/*
Package tipc implements the loopback inter-rank messaging layer.

This file contains the unit tests for the loopback transport: frame
delivery, self-routing and per-pair ordering.
*/
package tipc

import (
	"testing"
	"time"
)

// startFabric brings up nrPeer endpoints on basePort and fully connects
// them.
func startFabric(t *testing.T, basePort int, nrPeer uint8) ([]*IpcConn, []<-chan []byte, []chan<- []byte) {
	t.Helper()
	conns := make([]*IpcConn, nrPeer)
	rxs := make([]<-chan []byte, nrPeer)
	txs := make([]chan<- []byte, nrPeer)

	for id := uint8(0); id < nrPeer; id++ {
		c, rx, tx, err := NewConnection(basePort, id, nrPeer)
		if err != nil {
			t.Fatalf("[TEST] Can't create endpoint %d: %s", id, err.Error())
		}
		conns[id], rxs[id], txs[id] = c, rx, tx
	}
	for id := uint8(0); id < nrPeer; id++ {
		for pid := uint8(0); pid < nrPeer; pid++ {
			if pid == id {
				continue
			}
			if err := conns[id].Connect("localhost", pid); err != nil {
				t.Fatalf("[TEST] Rank %d can't connect to %d: %s", id, pid, err.Error())
			}
		}
	}
	return conns, rxs, txs
}

func recvOne(t *testing.T, rx <-chan []byte) []byte {
	t.Helper()
	select {
	case msg := <-rx:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("[TEST] Timed out waiting for message")
		return nil
	}
}

func TestPointToPointDelivery(t *testing.T) {
	conns, rxs, txs := startFabric(t, 21000, 2)
	defer conns[0].Close()
	defer conns[1].Close()

	txs[0] <- []byte{1, 0, 9, 42}

	msg := recvOne(t, rxs[1])
	if msg[0] != 1 || msg[1] != 0 || msg[2] != 9 || msg[3] != 42 {
		t.Errorf("[TEST] Unexpected frame %v", msg)
	}
}

func TestSelfSendShortCircuits(t *testing.T) {
	conn, rx, tx, err := NewConnection(21100, 0, 1)
	if err != nil {
		t.Fatalf("[TEST] Can't create endpoint: %s", err.Error())
	}
	defer conn.Close()

	tx <- []byte{0, 0, 7}
	msg := recvOne(t, rx)
	if msg[2] != 7 {
		t.Errorf("[TEST] Self-send lost the frame: %v", msg)
	}
}

func TestPerPairOrdering(t *testing.T) {
	conns, rxs, txs := startFabric(t, 21200, 2)
	defer conns[0].Close()
	defer conns[1].Close()

	const n = 200
	for i := 0; i < n; i++ {
		txs[0] <- []byte{1, 0, 1, byte(i)}
	}
	for i := 0; i < n; i++ {
		msg := recvOne(t, rxs[1])
		if msg[3] != byte(i) {
			t.Fatalf("[TEST] Frame %d arrived out of order (got %d)", i, msg[3])
		}
	}
}

func TestCloseStopsReceiving(t *testing.T) {
	conns, rxs, txs := startFabric(t, 21400, 2)
	defer conns[0].Close()

	conns[1].Close()

	// frames sent at a closed endpoint must not show up on its rx
	// channel; the channel itself must be closed by now
	for i := 0; i < 50; i++ {
		txs[0] <- []byte{1, 0, 1, byte(i)}
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-rxs[1]:
			if !ok {
				return
			}
			t.Fatalf("[TEST] Closed endpoint still received frame %v", msg)
		case <-deadline:
			t.Fatalf("[TEST] rx channel never closed after Close")
		}
	}
}

func TestWriteFaultSurfacesOnErrorChannel(t *testing.T) {
	conns, _, txs := startFabric(t, 21500, 2)
	defer conns[0].Close()

	conns[1].Close()

	// keep sending at the dead peer until the write failure is reported
	deadline := time.After(10 * time.Second)
	for i := 0; ; i++ {
		select {
		case txs[0] <- []byte{1, 0, 1, byte(i)}:
		default:
		}
		select {
		case err, ok := <-conns[0].Errors():
			if !ok {
				t.Fatalf("[TEST] Error channel closed before reporting the fault")
			}
			if err == nil {
				t.Fatalf("[TEST] Nil error reported for a dead peer")
			}
			return
		case <-deadline:
			t.Fatalf("[TEST] Write fault to a dead peer never reported")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestThreeRankCrossTraffic(t *testing.T) {
	conns, rxs, txs := startFabric(t, 21300, 3)
	for _, c := range conns {
		defer c.Close()
	}

	// every rank sends one frame to every other rank
	for id := uint8(0); id < 3; id++ {
		for pid := uint8(0); pid < 3; pid++ {
			if pid != id {
				txs[id] <- []byte{pid, id, 5}
			}
		}
	}

	for id := uint8(0); id < 3; id++ {
		seen := map[uint8]bool{}
		for i := 0; i < 2; i++ {
			msg := recvOne(t, rxs[id])
			if msg[0] != id {
				t.Errorf("[TEST] Rank %d got frame for %d", id, msg[0])
			}
			seen[msg[1]] = true
		}
		if len(seen) != 2 {
			t.Errorf("[TEST] Rank %d expected frames from 2 peers, saw %v", id, seen)
		}
	}
}
