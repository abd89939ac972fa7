/*
Package matmind implements the distributed matrix multiplication engine.

This file contains the engine state, the messaging between drones and
the collective operations (broadcast, barrier, abort). One process per
rank; ranks are contiguous integers in [0, nrProc) with rank 0 acting
as root and barrier manager. All inter-rank calls block the calling
rank until the matching message arrives.
*/
package matmind

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dashaylan/MatMind/configs"
	"github.com/dashaylan/MatMind/ipc"
	"github.com/dashaylan/MatMind/matrix"
	"github.com/dashaylan/MatMind/tipc"

	"github.com/DistributedClocks/GoVector/govec"
)

// List of Message IDs sent between the MatMind drones
const (
	BCAST   = 10 /* Root            -> All ranks: right-hand matrix     */
	BLOCK   = 20 /* Root            -> Row owner: left-hand row block   */
	PART    = 30 /* Rank            -> Root: partial result             */
	BARRREQ = 40 /* Barrier client  -> Barrier manager                  */
	BARRRSP = 41 /* Barrier manager -> Barrier client                   */
	ABORT   = 50 /* Failing rank    -> All ranks: fatal error notice    */
	/* Message ID 0 reserved for the transport hello frame              */
)

var msgName = map[uint8]string{
	BCAST: "BCAST", BLOCK: "BLOCK", PART: "PART",
	BARRREQ: "BARRREQ", BARRRSP: "BARRRSP", ABORT: "ABORT",
}

// RootRank assembles the output and manages the barriers
const RootRank uint8 = 0

var LogChan chan string = make(chan string, 100)

// Define the list of structures sent between drones
type BcastMatrix struct {
	M matrix.Matrix
}

type RowBlock struct {
	M matrix.Matrix
}

type PartialResult struct {
	M matrix.Matrix
}

type BarrierRequest struct {
	BarrierID uint8
}

type BarrierResponse struct {
	BarrierID uint8
}

type AbortNotice struct {
	Reason string
}

type partial struct {
	src   uint8
	block *matrix.Matrix
}

// MM encapsulates one rank's view of the distributed multiplication
type MM struct {
	pid        uint8            // this drone's rank
	nrProc     uint8            // number of ranks in the run
	stride     int              // row grouping factor for the partitioner
	scheme     string           // partition scheme
	workers    int              // kernel goroutines, <=1 means serial
	txChan     chan<- []byte    // channel to send messages to the transport
	rxChan     <-chan []byte    // channel to receive messages from the transport
	tipc       *tipc.IpcConn    // loopback transport when running locally
	ipc        *ipc.Ipc         // production transport
	bcastChan  chan *matrix.Matrix
	blockChan  chan *matrix.Matrix
	partChan   chan partial
	barrChan   chan bool
	halt       chan struct{} // closed when the run is aborted
	down       chan struct{} // closed when Exit begins shutting the engine down
	haltOnce   sync.Once
	abortMu    sync.Mutex
	abortErr   *TransportError
	barrierCnt uint8 // barrier requests seen by the manager
	totalRows  int   // rows of the left-hand matrix, known where it was loaded
	debugLevel int   // 0=none 1=error 2=info 3=msg 4=debug
	start      time.Time
	vecLog     *govec.GoLog
	phase      Phase
	phaseAt    time.Time
	timings    [phaseCount]time.Duration
}

// NewMatMind creates a new engine instance for one rank. The stride and
// scheme must be identical on every rank; the partition is computed
// locally from them, never exchanged.
func NewMatMind(pid, nrProc uint8, stride int, scheme string, workers int) *MM {
	mm := new(MM)
	mm.pid = pid
	mm.nrProc = nrProc
	mm.stride = stride
	mm.scheme = scheme
	mm.workers = workers
	mm.bcastChan = make(chan *matrix.Matrix, 1)
	mm.blockChan = make(chan *matrix.Matrix, 1)
	mm.partChan = make(chan partial, int(nrProc))
	mm.barrChan = make(chan bool, 1)
	mm.halt = make(chan struct{})
	mm.down = make(chan struct{})
	mm.start = time.Now()
	mm.phase = Initializing
	mm.phaseAt = time.Now()
	return mm
}

// SetDebug sets the debug message level. Lower levels are included in
// higher levels
// 0 - disable all output
// 1 - Enable Error messages
// 2 - Enable Info messages
// 3 - Enables message trace
// 4 - Enable Debug messages
func (mm *MM) SetDebug(level int) {
	mm.debugLevel = level
}

// LogError used to log any error messages
func (mm *MM) LogError(f string, a ...interface{}) {
	if mm.debugLevel > 0 {
		mm.Log(f, a...)
	}
}

// LogInfo used to log any info messages
func (mm *MM) LogInfo(f string, a ...interface{}) {
	if mm.debugLevel > 1 {
		mm.Log(f, a...)
	}
}

// LogMsg used to log messages sent to and received from the transport
func (mm *MM) LogMsg(f string, a ...interface{}) {
	if mm.debugLevel > 2 {
		mm.Log(f, a...)
	}
}

// LogDebug used to log verbose debug info
func (mm *MM) LogDebug(f string, a ...interface{}) {
	if mm.debugLevel > 3 {
		mm.Log(f, a...)
	}
}

// Log is called by all of the log functions and formats the messages
// and puts them on the global Log channel
func (mm *MM) Log(f string, a ...interface{}) {
	s := fmt.Sprintf("[%d]-", mm.pid) + fmt.Sprintf(f, a...) + "\n"
	LogChan <- s
}

// DumpLog prints everything the drones put on the log channel
func DumpLog() {
	for s := range LogChan {
		fmt.Print(s)
	}
}

// Pid returns this drone's rank
func (mm *MM) Pid() uint8 {
	return mm.pid
}

// NrProc returns the number of ranks configured for the run
func (mm *MM) NrProc() uint8 {
	return mm.nrProc
}

// Startup brings up the production transport. The rank list names all
// drones; myAddr picks our entry. Blocks until every peer connection
// exists, so a returned nil means the fabric is complete.
func (mm *MM) Startup(ranks []configs.RankConfig, myAddr string, port int, gvec string) error {
	handle, tx, rx, err := ipc.Init(ranks, myAddr, port)
	if err != nil {
		return err
	}
	mm.ipc = handle
	mm.txChan, mm.rxChan = tx, rx

	if gvec != "" {
		process := gvec + strconv.Itoa(int(mm.pid))
		mm.vecLog = govec.InitGoVector(process, process, govec.GetDefaultConfig())
	}

	if err := handle.WaitForPeers(int(mm.nrProc), 60*time.Second); err != nil {
		return err
	}

	go mm.rxMsgHandler()
	go mm.watchTransport(handle.Errors())
	return nil
}

// StartupTipc brings the engine up on the loopback transport for
// single-machine runs and unit testing
func (mm *MM) StartupTipc(port int, gvec string) error {
	conn, rx, tx, err := tipc.NewConnection(port, mm.pid, mm.nrProc)
	if err != nil {
		fmt.Println("Startup Error: ", err)
		return err
	}
	mm.tipc = conn
	mm.rxChan, mm.txChan = rx, tx

	if gvec != "" {
		process := gvec + strconv.Itoa(int(mm.pid))
		mm.vecLog = govec.InitGoVector(process, process, govec.GetDefaultConfig())
	}

	go mm.rxMsgHandler()
	go mm.watchTransport(conn.Errors())
	return nil
}

// ConnectToPeers connects the loopback transport to the other ranks
func (mm *MM) ConnectToPeers(ids []uint8, ips []string) error {
	for i, id := range ids {
		if id != mm.pid {
			if err := mm.tipc.Connect(ips[i], id); err != nil {
				return err
			}
			mm.LogDebug("Connected to %d", id)
		}
	}
	return nil
}

// Exit shuts the engine down and logs the per-phase timings. Sends
// attempted after this point fail with a TransportError instead of
// racing the closing transport.
func (mm *MM) Exit() {
	close(mm.down)
	elapsed := time.Since(mm.start)
	for p := Initializing; p < Done; p++ {
		if mm.timings[p] > 0 {
			mm.LogInfo("%s: %s", p, mm.timings[p])
		}
	}
	mm.LogInfo("Elapsed Time: %s", elapsed)
	if mm.tipc != nil {
		mm.tipc.Close()
	}
	if mm.ipc != nil {
		mm.ipc.Close()
	}
}

/*---------------------------------------------------------------------*/
/*------------------------Collective Operations------------------------*/

// BroadcastMatrix distributes m from fromRank to every rank. The
// sender's m is returned as-is; every other rank blocks until its copy
// arrives. All ranks hold identical data afterwards.
func (mm *MM) BroadcastMatrix(m *matrix.Matrix, fromRank uint8) (*matrix.Matrix, error) {
	if mm.pid == fromRank {
		var i uint8
		for i = 0; i < mm.nrProc; i++ {
			if i == mm.pid {
				continue
			}
			if err := mm.send(i, BCAST, BcastMatrix{M: *m}); err != nil {
				return nil, err
			}
		}
		return m, nil
	}

	select {
	case got := <-mm.bcastChan:
		return got, nil
	case <-mm.halt:
		return nil, mm.abortError()
	}
}

// SendBlock sends a left-hand row block to its owning rank
func (mm *MM) SendBlock(dest uint8, block *matrix.Matrix) error {
	return mm.send(dest, BLOCK, RowBlock{M: *block})
}

// ReceiveBlock blocks until the root has sent us our row block
func (mm *MM) ReceiveBlock() (*matrix.Matrix, error) {
	select {
	case got := <-mm.blockChan:
		return got, nil
	case <-mm.halt:
		return nil, mm.abortError()
	}
}

// SendPartial sends this rank's partial result to the root
func (mm *MM) SendPartial(block *matrix.Matrix) error {
	return mm.send(RootRank, PART, PartialResult{M: *block})
}

// receivePartial blocks until any rank's partial result arrives at the
// root. Arrival order does not matter; the sender's rank rides in the
// message header.
func (mm *MM) receivePartial() (uint8, *matrix.Matrix, error) {
	select {
	case p := <-mm.partChan:
		return p.src, p.block, nil
	case <-mm.halt:
		return 0, nil, mm.abortError()
	}
}

// Barrier blocks the calling rank until all ranks have called it. Rank
// 0 is the barrier manager: it counts requests and releases everyone
// once the count reaches nrProc.
func (mm *MM) Barrier(b uint8) error {
	mm.LogDebug("Barrier(%d)..Start", b)
	if err := mm.send(RootRank, BARRREQ, BarrierRequest{BarrierID: b}); err != nil {
		return err
	}
	select {
	case <-mm.barrChan:
		mm.LogDebug("Barrier(%d)..Done", b)
		return nil
	case <-mm.halt:
		return mm.abortError()
	}
}

// Abort notifies every peer that this rank has hit a fatal error, then
// marks the local run dead so any blocked collective call returns a
// TransportError. Delivery is best effort: if the transport itself is
// down the peers never get the notice and will block until the job
// launcher kills them. That degradation is inherent to the design and
// callers should not rely on remote cleanup.
func (mm *MM) Abort(reason string) {
	mm.LogError("Abort: %s", reason)
	var i uint8
	for i = 0; i < mm.nrProc; i++ {
		if i == mm.pid {
			continue
		}
		// Ignore send failures, there is nothing left to do about them
		mm.send(i, ABORT, AbortNotice{Reason: reason})
	}
	mm.fail(&TransportError{Rank: mm.pid, Reason: reason})
}

// fail records the first fatal error and unblocks all waiters
func (mm *MM) fail(err *TransportError) {
	mm.abortMu.Lock()
	if mm.abortErr == nil {
		mm.abortErr = err
	}
	mm.abortMu.Unlock()
	mm.haltOnce.Do(func() { close(mm.halt) })
}

func (mm *MM) abortError() *TransportError {
	mm.abortMu.Lock()
	defer mm.abortMu.Unlock()
	if mm.abortErr == nil {
		return &TransportError{Rank: mm.pid, Reason: "run aborted"}
	}
	return mm.abortErr
}

// watchTransport turns faults reported by the transport into a local
// abort: any lost or undeliverable message kills the whole run, so the
// first fault unblocks every waiting collective with a TransportError
// and notifies the peers that still can be reached. Faults surfacing
// after the run is already dead or shutting down are drained silently.
func (mm *MM) watchTransport(errs <-chan error) {
	for err := range errs {
		select {
		case <-mm.down:
		case <-mm.halt:
		default:
			mm.Abort("transport fault: " + err.Error())
		}
	}
}

/*---------------------------------------------------------------------*/
/*------------------------Messaging Functions--------------------------*/

// send encodes the message and puts it on the transport Tx channel
func (mm *MM) send(dest, msgID uint8, msg interface{}) error {
	select {
	case <-mm.down:
		return &TransportError{Rank: mm.pid, Reason: "engine shut down"}
	default:
	}

	var buf bytes.Buffer
	e := gob.NewEncoder(&buf)
	if err := e.Encode(msg); err != nil {
		return err
	}

	payload := buf.Bytes()
	if mm.vecLog != nil {
		event := "Tx " + msgName[msgID]
		payload = mm.vecLog.PrepareSend(event, payload, govec.GetDefaultLogOptions())
	}

	// Prepend the dest id, src id and msgID to the encoded gob
	mbuf := make([]byte, 3+len(payload))
	mbuf[0], mbuf[1], mbuf[2] = dest, mm.pid, msgID
	copy(mbuf[3:], payload)

	mm.LogMsg("Send[%d]:Msg[%s]", dest, msgName[msgID])
	select {
	case mm.txChan <- mbuf:
		return nil
	case <-mm.halt:
		return mm.abortError()
	case <-mm.down:
		return &TransportError{Rank: mm.pid, Reason: "engine shut down"}
	}
}

// rxMsgHandler is the goroutine handling incoming messages from the
// other drones
func (mm *MM) rxMsgHandler() {
	for mbuf := range mm.rxChan {
		srcID, msgID := mbuf[1], mbuf[2]
		payload := mbuf[3:]
		if mm.vecLog != nil {
			var inner []byte
			event := "Rx " + msgName[msgID]
			mm.vecLog.UnpackReceive(event, payload, &inner, govec.GetDefaultLogOptions())
			payload = inner
		}

		d := gob.NewDecoder(bytes.NewReader(payload))
		mm.LogMsg("Recv[%d]:Msg[%s]", srcID, msgName[msgID])
		switch msgID {
		case BCAST:
			var r BcastMatrix
			if err := d.Decode(&r); err != nil {
				mm.fail(&TransportError{Rank: mm.pid, Reason: "bad BCAST payload: " + err.Error()})
				continue
			}
			select {
			case mm.bcastChan <- &r.M:
			case <-mm.down:
				return
			}
		case BLOCK:
			var r RowBlock
			if err := d.Decode(&r); err != nil {
				mm.fail(&TransportError{Rank: mm.pid, Reason: "bad BLOCK payload: " + err.Error()})
				continue
			}
			select {
			case mm.blockChan <- &r.M:
			case <-mm.down:
				return
			}
		case PART:
			var r PartialResult
			if err := d.Decode(&r); err != nil {
				mm.fail(&TransportError{Rank: mm.pid, Reason: "bad PART payload: " + err.Error()})
				continue
			}
			select {
			case mm.partChan <- partial{src: srcID, block: &r.M}:
			case <-mm.down:
				return
			}
		case BARRREQ:
			var r BarrierRequest
			if err := d.Decode(&r); err != nil {
				mm.fail(&TransportError{Rank: mm.pid, Reason: "bad BARRREQ payload: " + err.Error()})
				continue
			}
			mm.handleBarrierRequest(srcID, &r)
		case BARRRSP:
			var r BarrierResponse
			if err := d.Decode(&r); err != nil {
				mm.fail(&TransportError{Rank: mm.pid, Reason: "bad BARRRSP payload: " + err.Error()})
				continue
			}
			select {
			case mm.barrChan <- true:
			case <-mm.down:
				return
			}
		case ABORT:
			var r AbortNotice
			if err := d.Decode(&r); err != nil {
				r.Reason = "abort with undecodable reason"
			}
			mm.fail(&TransportError{Rank: srcID, Reason: r.Reason})
		}
	}
}

// handleBarrierRequest runs only on the barrier manager. It counts the
// requests and releases every rank once all have arrived.
func (mm *MM) handleBarrierRequest(srcID uint8, req *BarrierRequest) {
	mm.barrierCnt++
	if mm.barrierCnt < mm.nrProc {
		return
	}

	// We got all requests, release the clients and ourselves
	mm.barrierCnt = 0
	var i uint8
	for i = 0; i < mm.nrProc; i++ {
		if i != mm.pid {
			mm.send(i, BARRRSP, BarrierResponse{BarrierID: req.BarrierID})
		}
	}
	select {
	case mm.barrChan <- true:
	case <-mm.down:
	}
}
