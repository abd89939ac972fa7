/*
Package ipc implements the inter-rank messaging layer.

This file contains the unit tests for the peer map, rank assignment and
the wire framing. Full socket paths are exercised through the tipc
loopback transport, which shares the frame format.
*/
package ipc

import (
	"net"
	"testing"

	"github.com/dashaylan/MatMind/configs"
)

func TestPeerMap(t *testing.T) {
	pm := InitPeerMap()

	if pm.NumPeers() != 0 {
		t.Errorf("[TEST] Expected empty peer map, has %d", pm.NumPeers())
	}

	pm.AddPeer(1, Peer{Address: "10.0.0.2", Pid: 1})
	pm.AddPeer(2, Peer{Address: "10.0.0.3", Pid: 2})

	if pm.NumPeers() != 2 {
		t.Errorf("[TEST] Expected 2 peers, has %d", pm.NumPeers())
	}

	p, ok := pm.GetPeer(1)
	if !ok || p.Address != "10.0.0.2" {
		t.Errorf("[TEST] Wrong peer for PID 1: %+v (%v)", p, ok)
	}

	if _, ok := pm.GetPeerConn(1); ok {
		t.Errorf("[TEST] Peer without conn should not report a conn")
	}

	keys := pm.KeyList()
	if len(keys) != 2 {
		t.Errorf("[TEST] Expected 2 keys, got %v", keys)
	}

	pm.RemovePeer(1)
	if _, ok := pm.GetPeer(1); ok {
		t.Errorf("[TEST] Peer 1 still present after removal")
	}
}

func TestAssignRanks(t *testing.T) {
	machines := []configs.MachineConfig{
		{Address: "10.0.0.2", Username: "drone1"},
		{Address: "10.0.0.3", Username: "drone2"},
	}

	ranks := AssignRanks("10.0.0.1", machines)

	if len(ranks) != 3 {
		t.Fatalf("[TEST] Expected 3 ranks, got %d", len(ranks))
	}
	if ranks[0].PID != 0 || ranks[0].Address != "10.0.0.1" {
		t.Errorf("[TEST] Launcher must be rank 0, got %+v", ranks[0])
	}
	for i := 1; i < 3; i++ {
		if int(ranks[i].PID) != i {
			t.Errorf("[TEST] Expected contiguous PIDs, rank %d has %d", i, ranks[i].PID)
		}
		if ranks[i].Address != machines[i-1].Address {
			t.Errorf("[TEST] Rank %d address mismatch: %s", i, ranks[i].Address)
		}
	}
}

func TestFrameRoundtrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	payload := []byte{1, 0, 9, 1, 2, 3, 4, 5}
	errc := make(chan error, 1)
	go func() { errc <- writeMsg(a, payload) }()

	msg, err := readMsg(b)
	if err != nil {
		t.Fatalf("[TEST] Can't read frame: %s", err.Error())
	}
	if err := <-errc; err != nil {
		t.Fatalf("[TEST] Can't write frame: %s", err.Error())
	}

	if len(msg) != len(payload) {
		t.Fatalf("[TEST] Frame length mismatch: got %d expected %d", len(msg), len(payload))
	}
	for i := range msg {
		if msg[i] != payload[i] {
			t.Errorf("[TEST] Frame corrupted at %d: got %d expected %d", i, msg[i], payload[i])
		}
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go writeMsg(a, []byte{})

	msg, err := readMsg(b)
	if err != nil {
		t.Fatalf("[TEST] Can't read empty frame: %s", err.Error())
	}
	if len(msg) != 0 {
		t.Errorf("[TEST] Expected empty frame, got %d bytes", len(msg))
	}
}
