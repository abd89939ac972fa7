/*
Package ipc implements the inter-rank messaging layer.

This file contains the production point-to-point transport between this
drone and all other drones of a run, plus the SSH deployment used by the
launcher to start the remote drones. Frames on the wire are a 4-byte
big-endian length followed by the [dest, src, msgID] header and the gob
encoded payload.
*/
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dashaylan/MatMind/configs"
)

// how many ipc messages to buffer
const ipcBufSize int = 128

// DefaultPort is the port drones listen on when the config does not
// name one
const DefaultPort = 6464

// Ipc structure defines the properties of an Ipc instance
type Ipc struct {
	pid      uint8       // id of this drone
	port     int         // port this drone listens on
	rxChan   chan []byte // Rx channel
	txChan   chan []byte // Tx channel
	errChan  chan error  // transport faults for the engine
	peermap  *PeerMap    // connections to the other drones
	mu       sync.Mutex
	closed   bool
	recvWG   sync.WaitGroup
	done     chan struct{}
	sendDone chan struct{}
}

// Peer holds the address and, once established, the connection of one
// remote drone
type Peer struct {
	Conn    net.Conn
	Address string
	Pid     uint8
}

// PeerMap is the concurrency safe map of drone PIDs to peers
type PeerMap struct {
	mut      sync.RWMutex
	internal map[uint8]Peer
}

// InitPeerMap initializes an empty PeerMap
func InitPeerMap() *PeerMap {
	return &PeerMap{internal: make(map[uint8]Peer)}
}

// AddPeer adds a peer and its connection to the map
func (pm *PeerMap) AddPeer(pid uint8, peer Peer) {
	pm.mut.Lock()
	pm.internal[pid] = peer
	pm.mut.Unlock()
}

// GetPeer returns the peer and whether it exists
func (pm *PeerMap) GetPeer(pid uint8) (Peer, bool) {
	pm.mut.RLock()
	peer, exist := pm.internal[pid]
	pm.mut.RUnlock()
	return peer, exist
}

// GetPeerConn returns the conn of a peer and whether it exists
func (pm *PeerMap) GetPeerConn(pid uint8) (net.Conn, bool) {
	pm.mut.RLock()
	peer, exist := pm.internal[pid]
	pm.mut.RUnlock()
	if !exist || peer.Conn == nil {
		return nil, false
	}
	return peer.Conn, true
}

// RemovePeer removes a peer and its connection from the map
func (pm *PeerMap) RemovePeer(pid uint8) {
	pm.mut.Lock()
	delete(pm.internal, pid)
	pm.mut.Unlock()
}

// NumPeers returns the number of peers in the map
func (pm *PeerMap) NumPeers() int {
	pm.mut.RLock()
	numPeers := len(pm.internal)
	pm.mut.RUnlock()
	return numPeers
}

// KeyList returns all PIDs in the map, useful for iteration
func (pm *PeerMap) KeyList() []uint8 {
	pm.mut.RLock()
	arr := make([]uint8, 0, len(pm.internal))
	for ind := range pm.internal {
		arr = append(arr, ind)
	}
	pm.mut.RUnlock()
	return arr
}

// GetOutboundIP returns the IP address this machine uses for outbound
// traffic. No packet is actually sent; dialing UDP just resolves the
// local address.
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}

// Init brings up the transport for one drone. The rank list names every
// drone of the run; myAddr selects which entry is us. Each drone dials
// all ranks below its own PID and accepts connections from the ranks
// above, so exactly one connection exists per pair. Returns the handle
// and the tx/rx channels the engine talks through.
func Init(ranks []configs.RankConfig, myAddr string, port int) (*Ipc, chan<- []byte, <-chan []byte, error) {
	if port == 0 {
		port = DefaultPort
	}

	handle := &Ipc{
		port:     port,
		rxChan:   make(chan []byte, ipcBufSize),
		txChan:   make(chan []byte, ipcBufSize),
		errChan:  make(chan error, ipcBufSize),
		peermap:  InitPeerMap(),
		done:     make(chan struct{}),
		sendDone: make(chan struct{}),
	}

	found := false
	for _, r := range ranks {
		if r.Address == myAddr {
			handle.pid = r.PID
			found = true
		}
	}
	if !found {
		return nil, nil, nil, fmt.Errorf("ipc: address %s not in rank list", myAddr)
	}

	fmt.Println("[IPC] Init: starting up as rank", handle.pid)

	laddr, err := net.ResolveTCPAddr("tcp", fmt.Sprint(":", port))
	if err != nil {
		return nil, nil, nil, err
	}
	listener, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		fmt.Println("[IPC] Init: listen error,", err, laddr)
		return nil, nil, nil, err
	}

	go handle.sender()
	go handle.receiver(listener)

	// Dial every rank below us. They are already listening or will be
	// shortly, so retry for a while before giving up.
	for _, r := range ranks {
		if r.PID >= handle.pid {
			handle.peermap.AddPeer(r.PID, Peer{Address: r.Address, Pid: r.PID})
			continue
		}
		conn, err := dialPeer(r.Address, port)
		if err != nil {
			fmt.Println("[IPC] Init: failure to connect to", r.Address)
			return nil, nil, nil, err
		}
		// Hello frame tells the acceptor who we are
		if err := writeMsg(conn, []byte{r.PID, handle.pid, 0}); err != nil {
			return nil, nil, nil, err
		}
		handle.peermap.AddPeer(r.PID, Peer{Address: r.Address, Conn: conn, Pid: r.PID})
		handle.recvWG.Add(1)
		go handle.rxhandler(conn)
		fmt.Println("[IPC] Init: connected to rank", r.PID, "at", r.Address)
	}

	return handle, handle.txChan, handle.rxChan, nil
}

// Pid returns the rank this transport was initialized as
func (ipc *Ipc) Pid() uint8 {
	return ipc.pid
}

// WaitForPeers blocks until connections to all nrProc-1 peers exist or
// the timeout passes. Ranks dial downward only, so the high ranks must
// wait here for the low ranks to show up before the engine starts.
func (ipc *Ipc) WaitForPeers(nrProc int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		connected := 0
		for _, pid := range ipc.peermap.KeyList() {
			if _, ok := ipc.peermap.GetPeerConn(pid); ok {
				connected++
			}
		}
		if connected >= nrProc-1 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ipc: only %d of %d peers connected after %s",
				connected, nrProc-1, timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Errors exposes the transport faults. Failed writes, drops to
// unconnected ranks and broken reads end up here; the engine turns them
// into its own error type. The channel closes once the transport has
// fully shut down.
func (ipc *Ipc) Errors() <-chan error {
	return ipc.errChan
}

// reportError queues a fault for the consumer without ever blocking the
// transport tasks. Extras beyond the buffer are dropped, the first
// fault is the one that matters.
func (ipc *Ipc) reportError(err error) {
	select {
	case ipc.errChan <- err:
	default:
	}
}

// Close shuts the transport down. Queued outgoing messages are drained
// before the connections close so a final abort notice still gets out,
// then every rx handler is waited for and the rx and error channels
// close so readers of either know the transport is gone.
func (ipc *Ipc) Close() {
	close(ipc.done)
	<-ipc.sendDone
	ipc.mu.Lock()
	ipc.closed = true
	for _, pid := range ipc.peermap.KeyList() {
		if conn, ok := ipc.peermap.GetPeerConn(pid); ok {
			conn.Close()
		}
	}
	ipc.mu.Unlock()
	ipc.recvWG.Wait()
	close(ipc.rxChan)
	close(ipc.errChan)
}

// trackPeer registers an accepted conn in the peer map and claims an rx
// handler slot for it. A conn accepted while Close is already running
// is refused and closed on the spot.
func (ipc *Ipc) trackPeer(src uint8, conn net.Conn) bool {
	ipc.mu.Lock()
	defer ipc.mu.Unlock()
	if ipc.closed {
		conn.Close()
		return false
	}
	p, _ := ipc.peermap.GetPeer(src)
	p.Pid = src
	p.Conn = conn
	ipc.peermap.AddPeer(src, p)
	ipc.recvWG.Add(1)
	return true
}

func dialPeer(addr string, port int) (net.Conn, error) {
	var conn net.Conn
	var err error
	deadline := time.Now().Add(30 * time.Second)
	for {
		conn, err = net.DialTimeout("tcp", fmt.Sprint(addr, ":", port), 2*time.Second)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// sender forwards messages from the tx channel to the destination
// connection named in the header. Messages to ourselves short-circuit
// straight to the rx channel. After done closes whatever is still
// buffered gets flushed before the task exits.
func (ipc *Ipc) sender() {
	defer close(ipc.sendDone)
	for {
		select {
		case mes := <-ipc.txChan:
			ipc.routeMsg(mes)
		case <-ipc.done:
			for {
				select {
				case mes := <-ipc.txChan:
					ipc.routeMsg(mes)
				default:
					return
				}
			}
		}
	}
}

// routeMsg delivers one outgoing frame. A frame that cannot be
// delivered is a transport fault: it is reported, never retried.
func (ipc *Ipc) routeMsg(mes []byte) {
	dest := mes[0]
	if dest == ipc.pid {
		select {
		case ipc.rxChan <- mes:
		case <-ipc.done:
		}
		return
	}
	conn, ex := ipc.peermap.GetPeerConn(dest)
	if !ex {
		fmt.Println("[IPC] Sender: no connection to rank", dest, ", message dropped")
		ipc.reportError(fmt.Errorf("ipc: no connection to rank %d", dest))
		return
	}
	if err := writeMsg(conn, mes); err != nil {
		fmt.Println("[IPC] Sender: write to rank", dest, "failed:", err)
		ipc.reportError(fmt.Errorf("ipc: write to rank %d failed: %w", dest, err))
	}
}

// receiver accepts connections from higher ranks. The first frame on
// each connection is the hello naming the dialer.
func (ipc *Ipc) receiver(listener *net.TCPListener) {
	for {
		listener.SetDeadline(time.Now().Add(500 * time.Millisecond))
		conn, err := listener.AcceptTCP()
		if err != nil {
			select {
			case <-ipc.done:
				listener.Close()
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			fmt.Println("[IPC] Receiver: failed to accept connection,", err)
			continue
		}

		select {
		case <-ipc.done:
			conn.Close()
			continue
		default:
		}

		hello, err := readMsg(conn)
		if err != nil || len(hello) != 3 {
			fmt.Println("[IPC] Receiver: bad hello frame, dropping connection")
			conn.Close()
			continue
		}
		src := hello[1]
		if !ipc.trackPeer(src, conn) {
			continue
		}
		fmt.Println("[IPC] Receiver: rank", src, "connected")
		go ipc.rxhandler(conn)
	}
}

// rxhandler reads whole frames off one connection and pushes them to
// the rx channel. A clean EOF is an orderly peer shutdown and not a
// fault; anything else on a conn we did not close ourselves is
// reported.
func (ipc *Ipc) rxhandler(conn net.Conn) {
	defer ipc.recvWG.Done()
	for {
		msg, err := readMsg(conn)
		if err != nil {
			select {
			case <-ipc.done:
			default:
				if err != io.EOF {
					fmt.Println("[IPC] Rxhandler: read failed,", err)
					ipc.reportError(fmt.Errorf("ipc: read failed: %w", err))
				}
			}
			return
		}
		if len(msg) < 3 {
			// headers take 3 bytes, so anything shorter is broken
			fmt.Println("[IPC] Rxhandler: malformed message")
			continue
		}
		select {
		case ipc.rxChan <- msg:
		case <-ipc.done:
			return
		}
	}
}

func writeMsg(conn net.Conn, data []byte) error {
	msg := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(msg, uint32(len(data)))
	copy(msg[4:], data)
	for n := 0; n < len(msg); {
		w, err := conn.Write(msg[n:])
		if err != nil {
			return err
		}
		n += w
	}
	return nil
}

func readMsg(conn net.Conn) ([]byte, error) {
	lbuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lbuf); err != nil {
		return nil, err
	}
	ml := binary.BigEndian.Uint32(lbuf)
	msg := make([]byte, ml)
	if _, err := io.ReadFull(conn, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
