package dcmnode

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/dcmnode/dcmnode/dimse"
	"github.com/dcmnode/dcmnode/pdu"
	"v.io/x/lib/vlog"
)

// DefaultMaxPDUSize is used when ServiceProviderParams.MaxPDUSize is unset.
const DefaultMaxPDUSize = 4 << 20

// ConnectionState describes the association a callback is running on.
type ConnectionState struct {
	// Address of the remote peer.
	RemoteAddr net.Addr

	// AE titles exchanged during the handshake, trailing padding removed.
	CalledAETitle  string
	CallingAETitle string

	// User identity the peer presented during negotiation. Nil if none.
	// This package records the identity but does not verify credentials;
	// that is up to the callback.
	UserIdentity *pdu.UserIdentityRQ
}

// CStoreCallback handles one C-STORE request. data holds the dataset bytes
// encoded in transferSyntaxUID, without a file meta header. The returned
// status becomes the C-STORE-RSP status.
type CStoreCallback func(
	connState ConnectionState,
	transferSyntaxUID string,
	sopClassUID string,
	sopInstanceUID string,
	data []byte) dimse.Status

// CEchoCallback handles one C-ECHO request.
type CEchoCallback func(connState ConnectionState) dimse.Status

type ServiceProviderParams struct {
	// TCP address to listen to, e.g. ":11111" listens on port 11111 on
	// every interface. Used by Run.
	ListenAddr string

	// AE title announced in the A-ASSOCIATE-AC. Empty echoes whatever
	// called AE title the peer addressed.
	AETitle string

	// Max PDU size, in bytes, this instance is willing to receive. Values
	// <=0 mean DefaultMaxPDUSize.
	MaxPDUSize int

	// Reject inbound PDUs that exceed MaxPDUSize instead of tolerating
	// them up to the hard wire limit.
	StrictMaxPDU bool

	// Which presentation contexts to admit. The zero value accepts every
	// abstract syntax with the first transfer syntax the peer proposes.
	Acceptor AcceptorPolicy

	// Abort associations that stay silent in the established state for
	// this long. 0 disables the idle check.
	IdleTimeout time.Duration

	// Called per C-STORE request. When nil, requests are answered with
	// status 0xC000 (cannot understand).
	CStore CStoreCallback

	// Called per C-ECHO request. When nil, requests succeed.
	CEcho CEchoCallback
}

// ServiceProvider accepts DICOM associations and dispatches inbound DIMSE
// commands to the configured callbacks.
type ServiceProvider struct {
	params ServiceProviderParams

	mu       sync.Mutex
	listener net.Listener
}

func NewServiceProvider(params ServiceProviderParams) *ServiceProvider {
	if params.MaxPDUSize <= 0 {
		params.MaxPDUSize = DefaultMaxPDUSize
	}
	return &ServiceProvider{params: params}
}

func handleCStore(
	cb CStoreCallback,
	connState ConnectionState,
	c *dimse.C_STORE_RQ,
	data []byte,
	cs *serviceCommandState) {
	status := dimse.Status{
		Status:       dimse.CStoreStatusCannotUnderstand,
		ErrorComment: "no C-STORE handler registered",
	}
	if cb != nil {
		status = cb(connState, cs.context.transferSyntaxUID,
			c.AffectedSOPClassUID, c.AffectedSOPInstanceUID, data)
	}
	cs.sendMessage(&dimse.C_STORE_RSP{
		AffectedSOPClassUID:       c.AffectedSOPClassUID,
		MessageIDBeingRespondedTo: c.MessageID,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		AffectedSOPInstanceUID:    c.AffectedSOPInstanceUID,
		Status:                    status,
	}, nil)
}

func handleCEcho(
	cb CEchoCallback,
	connState ConnectionState,
	c *dimse.C_ECHO_RQ,
	cs *serviceCommandState) {
	status := dimse.Success
	if cb != nil {
		status = cb(connState)
	}
	cs.sendMessage(&dimse.C_ECHO_RSP{
		MessageIDBeingRespondedTo: c.MessageID,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		Status:                    status,
	}, nil)
}

// RunProviderForConn runs the association protocol on an established
// connection. It returns immediately; conn is serviced and cleaned up in the
// background. Cancelling ctx aborts the association.
func RunProviderForConn(ctx context.Context, conn net.Conn, params ServiceProviderParams) {
	if params.MaxPDUSize <= 0 {
		params.MaxPDUSize = DefaultMaxPDUSize
	}
	label := "sp(" + conn.RemoteAddr().String() + ")"
	upcallCh := make(chan upcallEvent, 128)
	disp := newServiceDispatcher()
	connState := func(cs *serviceCommandState) ConnectionState {
		return ConnectionState{
			RemoteAddr:     conn.RemoteAddr(),
			CalledAETitle:  cs.cm.peerCalledAETitle,
			CallingAETitle: cs.cm.peerCallingAETitle,
			UserIdentity:   cs.cm.peerUserIdentity,
		}
	}
	disp.registerCallback(dimse.CommandFieldCStoreRq,
		func(msg dimse.Message, data []byte, cs *serviceCommandState) {
			handleCStore(params.CStore, connState(cs), msg.(*dimse.C_STORE_RQ), data, cs)
		})
	disp.registerCallback(dimse.CommandFieldCEchoRq,
		func(msg dimse.Message, data []byte, cs *serviceCommandState) {
			handleCEcho(params.CEcho, connState(cs), msg.(*dimse.C_ECHO_RQ), cs)
		})
	sm := newStateMachineForServiceProvider(conn, stateMachineParams{
		label:         label,
		calledAETitle: params.AETitle,
		maxPDUSize:    params.MaxPDUSize,
		strictMaxPDU:  params.StrictMaxPDU,
		idleTimeout:   params.IdleTimeout,
		acceptor:      params.Acceptor,
	}, upcallCh, disp.downcallCh)
	go runStateMachine(sm)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			disp.downcallCh <- stateEvent{event: evt15, err: ctx.Err()}
		case <-done:
		}
	}()
	go func() {
		for event := range upcallCh {
			disp.handleEvent(event)
		}
		close(done)
		disp.close()
		vlog.VI(1).Infof("%s: provider finished (err: %v)", label, sm.fatalErr)
	}()
}

// Listen binds the TCP listener without accepting yet, so callers can learn
// the bound address (think ":0") before starting Run.
func (sp *ServiceProvider) Listen() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.listener != nil {
		return nil
	}
	doassert(sp.params.ListenAddr != "")
	listener, err := net.Listen("tcp", sp.params.ListenAddr)
	if err != nil {
		return err
	}
	sp.listener = listener
	return nil
}

// Addr returns the listener address, or nil before Listen/Run.
func (sp *ServiceProvider) Addr() net.Addr {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.listener == nil {
		return nil
	}
	return sp.listener.Addr()
}

// Run accepts and serves associations until ctx is cancelled or the listener
// fails.
func (sp *ServiceProvider) Run(ctx context.Context) error {
	if err := sp.Listen(); err != nil {
		return err
	}
	sp.mu.Lock()
	listener := sp.listener
	sp.mu.Unlock()
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			listener.Close()
		case <-stopped:
		}
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			vlog.Errorf("accept error on %v: %v", listener.Addr(), err)
			continue
		}
		vlog.VI(1).Infof("accepted connection from %v", conn.RemoteAddr())
		RunProviderForConn(ctx, conn, sp.params)
	}
}
