/*
Package tipc implements the loopback inter-rank messaging layer.

This file contains a small transport used to run all ranks of a
multiplication inside one process, either for the demo apps or for unit
testing the engine. Every rank listens on basePort+id and dials its
peers directly; frames are the same 4-byte big-endian length prefixed
messages the production ipc layer uses, so the engine cannot tell the
two transports apart.
*/
package tipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// how many messages to buffer per direction
const tipcBufSize int = 128

// IpcConn is one rank's endpoint on the loopback fabric
type IpcConn struct {
	id       uint8
	basePort int
	listener *net.TCPListener
	mu       sync.RWMutex
	closed   bool
	peers    []*peer
	accepted []*net.TCPConn
	recvWG   sync.WaitGroup
	tx, rx   chan []byte
	errChan  chan error
	done     chan struct{}
	sendDone chan struct{}
}

type peer struct {
	id   uint8
	conn *net.TCPConn
}

// NewConnection creates the endpoint for rank id and starts its listen
// and send tasks. Messages written to tx carry the usual
// [dest, src, msgID] header; messages from peers appear on rx.
func NewConnection(basePort int, id, nrPeer uint8) (*IpcConn, <-chan []byte, chan<- []byte, error) {
	ipc := &IpcConn{
		id:       id,
		basePort: basePort,
		peers:    make([]*peer, nrPeer),
		rx:       make(chan []byte, tipcBufSize),
		tx:       make(chan []byte, tipcBufSize),
		errChan:  make(chan error, tipcBufSize),
		done:     make(chan struct{}),
		sendDone: make(chan struct{}),
	}

	listener, err := net.Listen("tcp", fmt.Sprint(":", basePort+int(id)))
	if err != nil {
		fmt.Println("[TIPC] Error opening listener", err, basePort+int(id))
		return nil, nil, nil, err
	}
	ipc.listener = listener.(*net.TCPListener)

	go ipc.listenTask()
	go ipc.sendTask()
	return ipc, ipc.rx, ipc.tx, nil
}

// Connect dials the peer with the given rank id. Dialing retries until
// the peer's listener is up since ranks start in arbitrary order.
func (ipc *IpcConn) Connect(ip string, id uint8) error {
	if id == ipc.id {
		return fmt.Errorf("tipc: cannot connect to myself")
	}
	if int(id) > len(ipc.peers)-1 {
		return fmt.Errorf("tipc: id %d exceeds configured limit", id)
	}

	var conn net.Conn
	var err error
	deadline := time.Now().Add(10 * time.Second)
	for {
		conn, err = net.DialTimeout("tcp", fmt.Sprint(ip, ":", ipc.basePort+int(id)), time.Second)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("tipc: couldn't dial rank %d: %s", id, err.Error())
		}
		time.Sleep(50 * time.Millisecond)
	}

	c := conn.(*net.TCPConn)

	// Hello frame so the acceptor learns who dialed. Header only, no
	// payload; dest is the acceptor, src is us.
	if err := writeMsg(c, []byte{id, ipc.id, 0}); err != nil {
		c.Close()
		return err
	}

	ipc.setPeer(id, &peer{id: id, conn: c})
	return nil
}

// Errors exposes the transport faults. Failed writes, drops to
// unconnected ranks and broken reads end up here; the engine turns them
// into its own error type. The channel closes once the endpoint has
// fully shut down.
func (ipc *IpcConn) Errors() <-chan error {
	return ipc.errChan
}

// reportError queues a fault for the consumer without ever blocking the
// transport tasks. If nobody drains the channel the oldest faults are
// enough, extras are dropped.
func (ipc *IpcConn) reportError(err error) {
	select {
	case ipc.errChan <- err:
	default:
	}
}

// Close shuts the endpoint down. Queued outgoing messages are drained
// before the connections close so a final abort notice still gets out,
// then every receive task is waited for and the rx and error channels
// close so readers of either know the endpoint is gone.
func (ipc *IpcConn) Close() {
	close(ipc.done)
	<-ipc.sendDone
	ipc.listener.Close()
	ipc.mu.Lock()
	ipc.closed = true
	for _, p := range ipc.peers {
		if p != nil && p.conn != nil {
			p.conn.Close()
		}
	}
	for _, c := range ipc.accepted {
		c.Close()
	}
	ipc.mu.Unlock()
	ipc.recvWG.Wait()
	close(ipc.rx)
	close(ipc.errChan)
}

// trackConn registers an accepted conn so Close can tear it down, and
// claims a receive task slot for it. A conn accepted while Close is
// already running is refused and closed on the spot so it cannot keep
// delivering into a dead endpoint.
func (ipc *IpcConn) trackConn(conn *net.TCPConn) bool {
	ipc.mu.Lock()
	defer ipc.mu.Unlock()
	if ipc.closed {
		conn.Close()
		return false
	}
	ipc.accepted = append(ipc.accepted, conn)
	ipc.recvWG.Add(1)
	return true
}

func (ipc *IpcConn) setPeer(id uint8, p *peer) {
	ipc.mu.Lock()
	ipc.peers[id] = p
	ipc.mu.Unlock()
}

func (ipc *IpcConn) getPeer(id uint8) *peer {
	ipc.mu.RLock()
	defer ipc.mu.RUnlock()
	return ipc.peers[id]
}

// Route outgoing messages either to our own rx channel or to the peer
// connection named in the header. After done closes whatever is still
// buffered gets flushed before the task exits, so an abort notice
// queued right before Close still reaches the wire.
func (ipc *IpcConn) sendTask() {
	defer close(ipc.sendDone)
	for {
		select {
		case msg := <-ipc.tx:
			ipc.routeMsg(msg)
		case <-ipc.done:
			for {
				select {
				case msg := <-ipc.tx:
					ipc.routeMsg(msg)
				default:
					return
				}
			}
		}
	}
}

// routeMsg delivers one outgoing frame. A frame that cannot be
// delivered is a transport fault: it is reported, never retried.
func (ipc *IpcConn) routeMsg(msg []byte) {
	dest := msg[0]
	if dest == ipc.id {
		select {
		case ipc.rx <- msg:
		case <-ipc.done:
		}
		return
	}
	p := ipc.getPeer(dest)
	if p == nil {
		fmt.Println("[TIPC] Send to unconnected rank", dest, "dropped")
		ipc.reportError(fmt.Errorf("tipc: no connection to rank %d", dest))
		return
	}
	if err := writeMsg(p.conn, msg); err != nil {
		fmt.Println("[TIPC] Send to rank", dest, "failed:", err)
		ipc.reportError(fmt.Errorf("tipc: write to rank %d failed: %w", dest, err))
	}
}

// Read frames from one peer connection and put them on the rx channel.
// A clean EOF is how an orderly peer shutdown looks and is not a fault;
// anything else on a conn we did not close ourselves is reported.
func (ipc *IpcConn) receiveTask(conn *net.TCPConn) {
	defer ipc.recvWG.Done()
	for {
		msg, err := readMsg(conn)
		if err != nil {
			select {
			case <-ipc.done:
			default:
				if err != io.EOF {
					fmt.Println("[TIPC] Receive error:", err)
					ipc.reportError(fmt.Errorf("tipc: read failed: %w", err))
				}
			}
			return
		}
		select {
		case ipc.rx <- msg:
		case <-ipc.done:
			return
		}
	}
}

// Accept incoming peer connections. The first frame on a connection is
// the hello carrying the dialer's rank. Connections are directional:
// we only ever read from accepted conns and only ever write to dialed
// ones, so a peer dialing us never displaces the conn we dialed to it.
func (ipc *IpcConn) listenTask() {
	for {
		ipc.listener.SetDeadline(time.Now().Add(time.Millisecond * 500))
		conn, err := ipc.listener.AcceptTCP()
		if err != nil {
			select {
			case <-ipc.done:
				return
			default:
			}
			if strings.HasSuffix(err.Error(), "i/o timeout") {
				continue
			}
			fmt.Println("[TIPC] Accept error:", err)
			return
		}

		select {
		case <-ipc.done:
			conn.Close()
			continue
		default:
		}

		hello, err := readMsg(conn)
		if err != nil || len(hello) != 3 {
			fmt.Println("[TIPC] Invalid hello frame, dropping connection")
			conn.Close()
			continue
		}
		if !ipc.trackConn(conn) {
			continue
		}
		go ipc.receiveTask(conn)
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
