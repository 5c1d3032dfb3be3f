package dcmnode

// Implements the DICOM upper-layer state machine, P3.8 9.2. One stateMachine
// drives one association. It consumes PDUs read off the socket (netCh),
// primitives from the service layer (downcallCh), and timer expirations
// (timerCh), and hands negotiated-handshake and reassembled-DIMSE events to
// the service layer through upcallCh. upcallCh is closed when the machine
// reaches Sta1, after which fatalErr holds the reason, if any.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dcmnode/dcmnode/dimse"
	"github.com/dcmnode/dcmnode/pdu"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"v.io/x/lib/vlog"
)

var (
	// ErrNegotiationFailed is reported when the peer rejects the
	// association or returns a malformed A-ASSOCIATE-AC.
	ErrNegotiationFailed = errors.New("association negotiation failed")

	// ErrNoPresentationContext is reported when no accepted presentation
	// context covers the requested abstract syntax.
	ErrNoPresentationContext = errors.New("no applicable presentation context")

	// ErrPeerAborted is reported to pending commands when the peer sends
	// A-ABORT.
	ErrPeerAborted = errors.New("association aborted by peer")
)

const defaultARTIMTimeout = 10 * time.Second

type stateType struct {
	name        string
	description string
}

func (s *stateType) String() string {
	return fmt.Sprintf("%s(%s)", s.name, s.description)
}

var (
	sta01 = &stateType{"Sta01", "Idle"}
	sta02 = &stateType{"Sta02", "Transport connection open (awaiting A-ASSOCIATE-RQ PDU)"}
	sta03 = &stateType{"Sta03", "Awaiting local A-ASSOCIATE response primitive"}
	sta04 = &stateType{"Sta04", "Awaiting transport connection opening to complete"}
	sta05 = &stateType{"Sta05", "Awaiting A-ASSOCIATE-AC or A-ASSOCIATE-RJ PDU"}
	sta06 = &stateType{"Sta06", "Association established and ready for data transfer"}
	sta07 = &stateType{"Sta07", "Awaiting A-RELEASE-RP PDU"}
	sta08 = &stateType{"Sta08", "Awaiting local A-RELEASE response primitive"}
	sta09 = &stateType{"Sta09", "Release collision requestor side; awaiting A-RELEASE response primitive"}
	sta10 = &stateType{"Sta10", "Release collision acceptor side; awaiting A-RELEASE-RP PDU"}
	sta11 = &stateType{"Sta11", "Release collision requestor side; awaiting A-RELEASE-RP PDU"}
	sta12 = &stateType{"Sta12", "Release collision acceptor side; awaiting A-RELEASE response primitive"}
	sta13 = &stateType{"Sta13", "Awaiting transport connection close"}
)

type eventType int

const (
	evt01 = eventType(1)  // A-ASSOCIATE request (local user)
	evt02 = eventType(2)  // Transport connection confirmed (local transport service)
	evt03 = eventType(3)  // A-ASSOCIATE-AC PDU (received on transport connection)
	evt04 = eventType(4)  // A-ASSOCIATE-RJ PDU (received on transport connection)
	evt05 = eventType(5)  // Transport connection indication (local transport service)
	evt06 = eventType(6)  // A-ASSOCIATE-RQ PDU (received on transport connection)
	evt07 = eventType(7)  // A-ASSOCIATE response primitive (accept)
	evt08 = eventType(8)  // A-ASSOCIATE response primitive (reject)
	evt09 = eventType(9)  // P-DATA request primitive
	evt10 = eventType(10) // P-DATA-TF PDU (received on transport connection)
	evt11 = eventType(11) // A-RELEASE request primitive
	evt12 = eventType(12) // A-RELEASE-RQ PDU (received on transport connection)
	evt13 = eventType(13) // A-RELEASE-RP PDU (received on transport connection)
	evt14 = eventType(14) // A-RELEASE response primitive
	evt15 = eventType(15) // A-ABORT request primitive
	evt16 = eventType(16) // A-ABORT PDU (received on transport connection)
	evt17 = eventType(17) // Transport connection closed indication
	evt18 = eventType(18) // ARTIM timer expired (association reject/release timer)
	evt19 = eventType(19) // Unrecognized or invalid PDU received
)

func (e eventType) String() string {
	return fmt.Sprintf("evt%02d", int(e))
}

// Payload of an evt09 (P-DATA request) primitive: one DIMSE command and its
// dataset bytes, already encoded in the negotiated transfer syntax. The
// state machine splits it into PDV fragments. contextID, when nonzero,
// selects the presentation context; otherwise the first accepted context
// for abstractSyntaxName is used.
type stateEventDIMSEPayload struct {
	contextID          byte
	abstractSyntaxName string
	command            dimse.Message
	data               []byte
}

type stateEvent struct {
	event eventType
	pdu   pdu.PDU
	err   error
	conn  net.Conn

	// Set iff event==evt09.
	dimsePayload *stateEventDIMSEPayload
}

func (e stateEvent) String() string {
	return fmt.Sprintf("stateEvent{event:%v, pdu:%v, err:%v}", e.event, e.pdu, e.err)
}

type upcallEventType int

const (
	// The association handshake finished; cm holds the negotiated contexts.
	upcallEventHandshakeCompleted = upcallEventType(iota + 100)
	// One reassembled DIMSE command, plus dataset bytes if any.
	upcallEventData
)

type upcallEvent struct {
	eventType upcallEventType

	// The negotiated context mapping. Remains valid until upcallCh closes.
	cm *contextManager

	// Set iff eventType==upcallEventData.
	contextID byte
	command   dimse.Message
	data      []byte
}

type stateMachineParams struct {
	label        string // for logging
	maxPDUSize   int    // max PDU size this side is willing to receive
	strictMaxPDU bool   // enforce maxPDUSize exactly on inbound PDUs
	artimTimeout time.Duration
	idleTimeout  time.Duration // 0 disables; measured between events in Sta6

	// Requestor side.
	calledAETitle  string
	callingAETitle string
	proposals      []ProposedContext
	userIdentity   *pdu.UserIdentityRQ

	// Acceptor side. The zero value accepts everything.
	acceptor AcceptorPolicy
}

type stateMachine struct {
	params stateMachineParams
	isUser bool // requestor side

	conn net.Conn
	cm   *contextManager

	// netCh carries PDUs and connection status from the reader goroutine.
	// It is closed when the reader exits.
	netCh chan stateEvent
	// downcallCh carries primitives from the service layer. Never closed;
	// the state machine also posts to it for self-generated primitives.
	downcallCh chan stateEvent
	// timerCh carries ARTIM expirations. Replaced on timer stop so stale
	// expirations are dropped.
	timerCh    chan stateEvent
	artimTimer *time.Timer
	idleTimer  *time.Timer

	upcallCh chan upcallEvent

	commandAssembler dimse.CommandAssembler
	faults           *FaultInjector

	currentState *stateType
	// First fatal error. Read by the service layer only after upcallCh
	// closes.
	fatalErr error
}

func doassert(x bool) {
	if !x {
		panic("doassert")
	}
}

func (sm *stateMachine) setFatal(err error) {
	if sm.fatalErr == nil && err != nil {
		sm.fatalErr = err
	}
}

type stateAction struct {
	name        string
	description string
	callback    func(sm *stateMachine, event stateEvent) *stateType
}

func (a *stateAction) String() string { return a.name }

var ae1 = &stateAction{"AE-1", "Issue TRANSPORT CONNECT request primitive",
	func(sm *stateMachine, event stateEvent) *stateType {
		// The service layer dials and reports evt02/evt17 itself
		// (ServiceUser.Connect or SetConn).
		return sta04
	}}

var ae2 = &stateAction{"AE-2", "Send A-ASSOCIATE-RQ PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		startNetworkReader(sm)
		items := sm.cm.generateAssociateRequest(
			sm.params.proposals, sm.params.maxPDUSize, sm.params.userIdentity)
		sendPDU(sm, &pdu.A_ASSOCIATE{
			Type:            pdu.PDUTypeA_ASSOCIATE_RQ,
			ProtocolVersion: pdu.CurrentProtocolVersion,
			CalledAETitle:   sm.params.calledAETitle,
			CallingAETitle:  sm.params.callingAETitle,
			Items:           items,
		})
		startTimer(sm)
		return sta05
	}}

var ae3 = &stateAction{"AE-3", "Issue A-ASSOCIATE confirmation (accept) primitive",
	func(sm *stateMachine, event stateEvent) *stateType {
		stopTimer(sm)
		p := event.pdu.(*pdu.A_ASSOCIATE)
		if err := sm.cm.onAssociateResponse(p.Items); err != nil {
			vlog.Infof("%s: bad A-ASSOCIATE-AC: %v", sm.params.label, err)
			sm.setFatal(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
			sm.downcallCh <- stateEvent{event: evt15, err: err}
			return sta06
		}
		sm.upcallCh <- upcallEvent{eventType: upcallEventHandshakeCompleted, cm: sm.cm}
		return sta06
	}}

var ae4 = &stateAction{"AE-4", "Issue A-ASSOCIATE confirmation (reject) primitive and close transport connection",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.setFatal(fmt.Errorf("%w: %v", ErrNegotiationFailed, event.pdu))
		closeConnection(sm)
		return sta01
	}}

var ae5 = &stateAction{"AE-5", "Issue Transport connection response primitive; start ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		doassert(sm.conn != nil)
		startTimer(sm)
		startNetworkReader(sm)
		return sta02
	}}

var ae6 = &stateAction{"AE-6", "Stop ARTIM timer; accept or reject the A-ASSOCIATE-RQ",
	func(sm *stateMachine, event stateEvent) *stateType {
		stopTimer(sm)
		p := event.pdu.(*pdu.A_ASSOCIATE)
		if p.ProtocolVersion != pdu.CurrentProtocolVersion {
			vlog.Infof("%s: wrong protocol version 0x%x", sm.params.label, p.ProtocolVersion)
			sm.downcallCh <- stateEvent{
				event: evt08,
				pdu: &pdu.A_ASSOCIATE_RJ{
					Result: pdu.ResultRejectedPermanent,
					Source: pdu.SourceULServiceProviderACSE,
					Reason: 2,
				},
			}
			return sta03
		}
		items, err := sm.cm.onAssociateRequest(p, sm.params.acceptor, sm.params.maxPDUSize)
		if err != nil {
			vlog.Infof("%s: rejecting association: %v", sm.params.label, err)
			sm.setFatal(err)
			sm.downcallCh <- stateEvent{
				event: evt08,
				pdu: &pdu.A_ASSOCIATE_RJ{
					Result: pdu.ResultRejectedPermanent,
					Source: pdu.SourceULServiceProviderACSE,
					Reason: 1,
				},
			}
			return sta03
		}
		// The AC echoes the requestor's AE titles unless this provider was
		// configured to announce its own.
		calledAETitle := p.CalledAETitle
		if sm.params.calledAETitle != "" {
			calledAETitle = sm.params.calledAETitle
		}
		sm.downcallCh <- stateEvent{
			event: evt07,
			pdu: &pdu.A_ASSOCIATE{
				Type:            pdu.PDUTypeA_ASSOCIATE_AC,
				ProtocolVersion: pdu.CurrentProtocolVersion,
				CalledAETitle:   calledAETitle,
				CallingAETitle:  p.CallingAETitle,
				Items:           items,
			},
		}
		return sta03
	}}

var ae7 = &stateAction{"AE-7", "Send A-ASSOCIATE-AC PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		sendPDU(sm, event.pdu.(*pdu.A_ASSOCIATE))
		sm.upcallCh <- upcallEvent{eventType: upcallEventHandshakeCompleted, cm: sm.cm}
		return sta06
	}}

var ae8 = &stateAction{"AE-8", "Send A-ASSOCIATE-RJ PDU and start ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		sendPDU(sm, event.pdu.(*pdu.A_ASSOCIATE_RJ))
		startTimer(sm)
		return sta13
	}}

var dt1 = &stateAction{"DT-1", "Send P-DATA-TF PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		doassert(event.dimsePayload != nil)
		if err := sendDIMSEMessage(sm, event.dimsePayload); err != nil {
			vlog.Errorf("%s: failed to send DIMSE message: %v", sm.params.label, err)
			sm.setFatal(err)
			sm.downcallCh <- stateEvent{event: evt15, err: err}
		}
		return sta06
	}}

var dt2 = &stateAction{"DT-2", "Send P-DATA indication primitive",
	func(sm *stateMachine, event stateEvent) *stateType {
		contextID, command, data, err := sm.commandAssembler.AddDataPDU(event.pdu.(*pdu.P_DATA_TF))
		if err != nil {
			vlog.Infof("%s: DIMSE framing error: %v", sm.params.label, err)
			sm.setFatal(err)
			sm.downcallCh <- stateEvent{event: evt19, err: err}
			return sta06
		}
		if command != nil {
			sm.upcallCh <- upcallEvent{
				eventType: upcallEventData,
				cm:        sm.cm,
				contextID: contextID,
				command:   command,
				data:      data,
			}
		}
		return sta06
	}}

var ar1 = &stateAction{"AR-1", "Send A-RELEASE-RQ PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		sendPDU(sm, &pdu.A_RELEASE_RQ{})
		startTimer(sm)
		return sta07
	}}

var ar2 = &stateAction{"AR-2", "Issue A-RELEASE indication primitive",
	func(sm *stateMachine, event stateEvent) *stateType {
		// There is no service-layer decision to make; accept the release.
		sm.downcallCh <- stateEvent{event: evt14}
		return sta08
	}}

var ar3 = &stateAction{"AR-3", "Issue A-RELEASE confirmation primitive and close transport connection",
	func(sm *stateMachine, event stateEvent) *stateType {
		stopTimer(sm)
		closeConnection(sm)
		return sta01
	}}

var ar4 = &stateAction{"AR-4", "Send A-RELEASE-RP PDU and start ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		sendPDU(sm, &pdu.A_RELEASE_RP{})
		startTimer(sm)
		return sta13
	}}

var ar5 = &stateAction{"AR-5", "Stop ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		stopTimer(sm)
		return sta01
	}}

var ar6 = &stateAction{"AR-6", "Issue P-DATA indication",
	func(sm *stateMachine, event stateEvent) *stateType {
		contextID, command, data, err := sm.commandAssembler.AddDataPDU(event.pdu.(*pdu.P_DATA_TF))
		if err != nil {
			vlog.Infof("%s: DIMSE framing error during release: %v", sm.params.label, err)
			sm.setFatal(err)
			sm.downcallCh <- stateEvent{event: evt19, err: err}
			return sta07
		}
		if command != nil {
			sm.upcallCh <- upcallEvent{
				eventType: upcallEventData,
				cm:        sm.cm,
				contextID: contextID,
				command:   command,
				data:      data,
			}
		}
		return sta07
	}}

var ar7 = &stateAction{"AR-7", "Send P-DATA-TF PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		doassert(event.dimsePayload != nil)
		if err := sendDIMSEMessage(sm, event.dimsePayload); err != nil {
			vlog.Errorf("%s: failed to send DIMSE message: %v", sm.params.label, err)
			sm.setFatal(err)
			sm.downcallCh <- stateEvent{event: evt15, err: err}
		}
		return sta08
	}}

var ar8 = &stateAction{"AR-8", "Issue A-RELEASE indication (release collision)",
	func(sm *stateMachine, event stateEvent) *stateType {
		// Both sides requested release at once. The requestor responds
		// first; the acceptor waits for the peer's A-RELEASE-RP.
		if sm.isUser {
			sm.downcallCh <- stateEvent{event: evt14}
			return sta09
		}
		return sta10
	}}

var ar9 = &stateAction{"AR-9", "Send A-RELEASE-RP PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		sendPDU(sm, &pdu.A_RELEASE_RP{})
		return sta11
	}}

var ar10 = &stateAction{"AR-10", "Issue A-RELEASE confirmation primitive",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.downcallCh <- stateEvent{event: evt14}
		return sta12
	}}

var aa1 = &stateAction{"AA-1", "Send A-ABORT PDU (service-user source) and restart ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		reason := byte(pdu.AbortReasonNotSpecified)
		if sm.currentState == sta02 {
			reason = pdu.AbortReasonUnexpectedPDU
		}
		sendPDU(sm, &pdu.A_ABORT{Source: pdu.AbortSourceServiceUser, Reason: reason})
		restartTimer(sm)
		return sta13
	}}

var aa2 = &stateAction{"AA-2", "Stop ARTIM timer if running; close transport connection",
	func(sm *stateMachine, event stateEvent) *stateType {
		stopTimer(sm)
		closeConnection(sm)
		return sta01
	}}

var aa3 = &stateAction{"AA-3", "Issue A-ABORT (or A-P-ABORT) indication and close transport connection",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.setFatal(fmt.Errorf("%w: %v", ErrPeerAborted, event.pdu))
		closeConnection(sm)
		return sta01
	}}

var aa4 = &stateAction{"AA-4", "Issue A-P-ABORT indication primitive",
	func(sm *stateMachine, event stateEvent) *stateType {
		sm.setFatal(event.err)
		return sta01
	}}

var aa5 = &stateAction{"AA-5", "Stop ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		stopTimer(sm)
		return sta01
	}}

var aa6 = &stateAction{"AA-6", "Ignore PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		return sta13
	}}

var aa7 = &stateAction{"AA-7", "Send A-ABORT PDU",
	func(sm *stateMachine, event stateEvent) *stateType {
		sendPDU(sm, &pdu.A_ABORT{
			Source: pdu.AbortSourceServiceProvider,
			Reason: pdu.AbortReasonUnexpectedPDU,
		})
		return sta13
	}}

var aa8 = &stateAction{"AA-8", "Send A-ABORT PDU (service-provider source), issue an A-P-ABORT indication and start ARTIM timer",
	func(sm *stateMachine, event stateEvent) *stateType {
		reason := byte(pdu.AbortReasonNotSpecified)
		if event.event == evt19 {
			reason = pdu.AbortReasonInvalidPDUParameter
		}
		sendPDU(sm, &pdu.A_ABORT{Source: pdu.AbortSourceServiceProvider, Reason: reason})
		sm.setFatal(event.err)
		startTimer(sm)
		return sta13
	}}

type stateTransition struct {
	event   eventType
	current *stateType
	action  *stateAction
}

var stateTransitions = []stateTransition{
	{evt01, sta01, ae1},
	{evt02, sta04, ae2},
	{evt03, sta02, aa1},
	{evt03, sta03, aa8},
	{evt03, sta05, ae3},
	{evt03, sta06, aa8},
	{evt03, sta07, aa8},
	{evt03, sta08, aa8},
	{evt03, sta09, aa8},
	{evt03, sta10, aa8},
	{evt03, sta11, aa8},
	{evt03, sta12, aa8},
	{evt03, sta13, aa6},
	{evt04, sta02, aa1},
	{evt04, sta03, aa8},
	{evt04, sta05, ae4},
	{evt04, sta06, aa8},
	{evt04, sta07, aa8},
	{evt04, sta08, aa8},
	{evt04, sta09, aa8},
	{evt04, sta10, aa8},
	{evt04, sta11, aa8},
	{evt04, sta12, aa8},
	{evt04, sta13, aa6},
	{evt05, sta01, ae5},
	{evt06, sta02, ae6},
	{evt06, sta03, aa8},
	{evt06, sta05, aa8},
	{evt06, sta06, aa8},
	{evt06, sta07, aa8},
	{evt06, sta08, aa8},
	{evt06, sta09, aa8},
	{evt06, sta10, aa8},
	{evt06, sta11, aa8},
	{evt06, sta12, aa8},
	{evt06, sta13, aa7},
	{evt07, sta03, ae7},
	{evt08, sta03, ae8},
	{evt09, sta06, dt1},
	{evt09, sta08, ar7},
	{evt10, sta02, aa1},
	{evt10, sta03, aa8},
	{evt10, sta05, aa8},
	{evt10, sta06, dt2},
	{evt10, sta07, ar6},
	{evt10, sta08, aa8},
	{evt10, sta09, aa8},
	{evt10, sta10, aa8},
	{evt10, sta11, aa8},
	{evt10, sta12, aa8},
	{evt10, sta13, aa6},
	{evt11, sta06, ar1},
	{evt12, sta02, aa1},
	{evt12, sta03, aa8},
	{evt12, sta05, aa8},
	{evt12, sta06, ar2},
	{evt12, sta07, ar8},
	{evt12, sta08, aa8},
	{evt12, sta09, aa8},
	{evt12, sta10, aa8},
	{evt12, sta11, aa8},
	{evt12, sta12, aa8},
	{evt12, sta13, aa6},
	{evt13, sta02, aa1},
	{evt13, sta03, aa8},
	{evt13, sta05, aa8},
	{evt13, sta06, aa8},
	{evt13, sta07, ar3},
	{evt13, sta08, aa8},
	{evt13, sta09, aa8},
	{evt13, sta10, ar10},
	{evt13, sta11, ar3},
	{evt13, sta12, aa8},
	{evt13, sta13, aa6},
	{evt14, sta08, ar4},
	{evt14, sta09, ar9},
	{evt14, sta12, ar4},
	{evt15, sta03, aa1},
	{evt15, sta04, aa2},
	{evt15, sta05, aa1},
	{evt15, sta06, aa1},
	{evt15, sta07, aa1},
	{evt15, sta08, aa1},
	{evt15, sta09, aa1},
	{evt15, sta10, aa1},
	{evt15, sta11, aa1},
	{evt15, sta12, aa1},
	{evt16, sta02, aa2},
	{evt16, sta03, aa3},
	{evt16, sta05, aa3},
	{evt16, sta06, aa3},
	{evt16, sta07, aa3},
	{evt16, sta08, aa3},
	{evt16, sta09, aa3},
	{evt16, sta10, aa3},
	{evt16, sta11, aa3},
	{evt16, sta12, aa3},
	{evt16, sta13, aa2},
	{evt17, sta02, aa5},
	{evt17, sta03, aa4},
	{evt17, sta04, aa4},
	{evt17, sta05, aa4},
	{evt17, sta06, aa4},
	{evt17, sta07, aa4},
	{evt17, sta08, aa4},
	{evt17, sta09, aa4},
	{evt17, sta10, aa4},
	{evt17, sta11, aa4},
	{evt17, sta12, aa4},
	{evt17, sta13, ar5},
	{evt18, sta02, aa2},
	{evt18, sta13, aa2},
	{evt19, sta02, aa1},
	{evt19, sta03, aa8},
	{evt19, sta05, aa8},
	{evt19, sta06, aa8},
	{evt19, sta07, aa8},
	{evt19, sta08, aa8},
	{evt19, sta09, aa8},
	{evt19, sta10, aa8},
	{evt19, sta11, aa8},
	{evt19, sta12, aa8},
	{evt19, sta13, aa7},
}

// findAction returns nil for combinations outside the transition table.
// Network events are fully covered; local primitives can legitimately race
// with a teardown (say, a P-DATA request arriving after the peer aborted)
// and are dropped by the caller.
func findAction(currentState *stateType, event eventType) *stateAction {
	for _, t := range stateTransitions {
		if t.current == currentState && t.event == event {
			return t.action
		}
	}
	return nil
}

func closeConnection(sm *stateMachine) {
	if sm.conn != nil {
		vlog.VI(2).Infof("%s: closing connection", sm.params.label)
		sm.conn.Close()
		sm.conn = nil
	}
}

func sendPDU(sm *stateMachine, p pdu.PDU) {
	doassert(sm.conn != nil)
	data, err := pdu.EncodePDU(p)
	if err != nil {
		vlog.Errorf("%s: failed to encode: %v", sm.params.label, err)
		sm.conn.Close()
		sm.downcallCh <- stateEvent{event: evt17, err: err}
		return
	}
	if sm.faults != nil && sm.faults.onSend(data) == faultInjectorDisconnect {
		vlog.Infof("%s: fault injector closing connection", sm.params.label)
		sm.conn.Close()
		sm.downcallCh <- stateEvent{event: evt17, err: errors.New("fault injector closed the connection")}
		return
	}
	n, err := sm.conn.Write(data)
	if n != len(data) || err != nil {
		vlog.Errorf("%s: failed to write %d bytes (wrote %d): %v",
			sm.params.label, len(data), n, err)
		sm.conn.Close()
		sm.downcallCh <- stateEvent{event: evt17, err: err}
		return
	}
	vlog.VI(2).Infof("%s: sent %v", sm.params.label, p)
}

// sendDIMSEMessage encodes one DIMSE command and splits command and dataset
// bytes into PDV fragments, none of which yields a P-DATA-TF PDU larger than
// the peer's advertised max PDU size. The final command fragment and the
// final dataset fragment share a PDU only when both fit.
func sendDIMSEMessage(sm *stateMachine, payload *stateEventDIMSEPayload) error {
	var context contextManagerEntry
	var err error
	if payload.contextID != 0 {
		context, err = sm.cm.lookupByContextID(payload.contextID)
	} else {
		context, err = sm.cm.lookupByAbstractSyntaxUID(payload.abstractSyntaxName)
	}
	if err != nil {
		return err
	}
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	dimse.EncodeMessage(e, payload.command)
	if err := e.Error(); err != nil {
		return err
	}
	commandBytes := e.Bytes()
	vlog.VI(1).Infof("%s: sending %v (%d command bytes, %d data bytes, context %d)",
		sm.params.label, payload.command, len(commandBytes), len(payload.data), context.contextID)
	for _, p := range splitDIMSEPayload(context.contextID, commandBytes, payload.data, sm.cm.peerMaxPDUSize) {
		sendPDU(sm, p)
	}
	return nil
}

func splitDIMSEPayload(contextID byte, command, data []byte, maxPDUSize int) []*pdu.P_DATA_TF {
	// Each PDV item adds 6 bytes, the PDU header another 6. The advertised
	// max bounds the PDU length field, so a lone PDV may carry at most
	// maxPDUSize-12 bytes and a command+data pair may share a PDU only
	// when their payloads total at most that.
	chunkSize := maxPDUSize - 12
	doassert(chunkSize > 0)
	commandChunks := chopPayload(command, chunkSize)
	dataChunks := chopPayload(data, chunkSize)
	var pdus []*pdu.P_DATA_TF
	for i, chunk := range commandChunks {
		last := i == len(commandChunks)-1
		item := pdu.PresentationDataValueItem{
			ContextID: contextID,
			Command:   true,
			Last:      last,
			Value:     chunk,
		}
		if last && len(dataChunks) == 1 && len(chunk)+len(dataChunks[0]) <= chunkSize {
			pdus = append(pdus, &pdu.P_DATA_TF{Items: []pdu.PresentationDataValueItem{
				item,
				{ContextID: contextID, Command: false, Last: true, Value: dataChunks[0]},
			}})
			dataChunks = nil
			continue
		}
		pdus = append(pdus, &pdu.P_DATA_TF{Items: []pdu.PresentationDataValueItem{item}})
	}
	for i, chunk := range dataChunks {
		pdus = append(pdus, &pdu.P_DATA_TF{Items: []pdu.PresentationDataValueItem{{
			ContextID: contextID,
			Command:   false,
			Last:      i == len(dataChunks)-1,
			Value:     chunk,
		}}})
	}
	return pdus
}

func chopPayload(b []byte, chunkSize int) [][]byte {
	if len(b) == 0 {
		return nil
	}
	var chunks [][]byte
	for len(b) > chunkSize {
		chunks = append(chunks, b[:chunkSize])
		b = b[chunkSize:]
	}
	return append(chunks, b)
}

func startTimer(sm *stateMachine) {
	stopTimer(sm)
	d := sm.params.artimTimeout
	if d <= 0 {
		d = defaultARTIMTimeout
	}
	ch := make(chan stateEvent, 1)
	sm.timerCh = ch
	sm.artimTimer = time.AfterFunc(d, func() {
		ch <- stateEvent{event: evt18}
	})
}

func restartTimer(sm *stateMachine) {
	startTimer(sm)
}

func stopTimer(sm *stateMachine) {
	if sm.artimTimer != nil {
		sm.artimTimer.Stop()
		sm.artimTimer = nil
	}
	sm.timerCh = make(chan stateEvent, 1)
}

// The idle timer guards Sta6 only. Expiry requests a local abort; the
// peer sees A-ABORT (service-user source).
func resetIdleTimer(sm *stateMachine) {
	stopIdleTimer(sm)
	d := sm.params.idleTimeout
	if d <= 0 {
		return
	}
	downcallCh := sm.downcallCh
	label := sm.params.label
	sm.idleTimer = time.AfterFunc(d, func() {
		vlog.Infof("%s: association idle for %v, aborting", label, d)
		downcallCh <- stateEvent{event: evt15, err: fmt.Errorf("association idle for %v", d)}
	})
}

func stopIdleTimer(sm *stateMachine) {
	if sm.idleTimer != nil {
		sm.idleTimer.Stop()
		sm.idleTimer = nil
	}
}

func startNetworkReader(sm *stateMachine) {
	doassert(sm.conn != nil)
	go networkReaderThread(sm.netCh, sm.conn,
		sm.params.maxPDUSize, sm.params.strictMaxPDU, sm.params.label)
}

func networkReaderThread(ch chan stateEvent, conn net.Conn, maxPDUSize int, strict bool, label string) {
	vlog.VI(2).Infof("%s: starting network reader", label)
	for {
		p, err := pdu.ReadPDU(conn, maxPDUSize, strict)
		if err != nil {
			if errors.Is(err, pdu.ErrAssociationClosed) {
				vlog.VI(1).Infof("%s: peer closed the connection", label)
			} else if errors.Is(err, pdu.ErrTruncated) {
				vlog.Infof("%s: %v", label, err)
			} else {
				vlog.Infof("%s: failed to read PDU: %v", label, err)
				ch <- stateEvent{event: evt19, err: err}
			}
			break
		}
		vlog.VI(2).Infof("%s: read %v", label, p)
		switch n := p.(type) {
		case *pdu.A_ASSOCIATE:
			if n.Type == pdu.PDUTypeA_ASSOCIATE_RQ {
				ch <- stateEvent{event: evt06, pdu: n}
			} else {
				doassert(n.Type == pdu.PDUTypeA_ASSOCIATE_AC)
				ch <- stateEvent{event: evt03, pdu: n}
			}
		case *pdu.A_ASSOCIATE_RJ:
			ch <- stateEvent{event: evt04, pdu: n}
		case *pdu.P_DATA_TF:
			ch <- stateEvent{event: evt10, pdu: n}
		case *pdu.A_RELEASE_RQ:
			ch <- stateEvent{event: evt12, pdu: n}
		case *pdu.A_RELEASE_RP:
			ch <- stateEvent{event: evt13, pdu: n}
		case *pdu.A_ABORT:
			ch <- stateEvent{event: evt16, pdu: n}
		default:
			vlog.Errorf("%s: unexpected PDU type %T", label, p)
			ch <- stateEvent{event: evt19, pdu: p}
		}
	}
	ch <- stateEvent{event: evt17}
	close(ch)
	vlog.VI(2).Infof("%s: network reader finished", label)
}

func getNextEvent(sm *stateMachine) stateEvent {
	var event stateEvent
	select {
	case event = <-sm.netCh:
	case event = <-sm.timerCh:
	case event = <-sm.downcallCh:
	}
	switch event.event {
	case evt02:
		doassert(event.conn != nil)
		sm.conn = event.conn
	case evt17:
		sm.setFatal(event.err)
	}
	return event
}

func newStateMachineForServiceUser(
	params stateMachineParams,
	upcallCh chan upcallEvent,
	downcallCh chan stateEvent) *stateMachine {
	sm := &stateMachine{
		params:     params,
		isUser:     true,
		cm:         newContextManager(),
		netCh:      make(chan stateEvent, 128),
		downcallCh: downcallCh,
		timerCh:    make(chan stateEvent, 1),
		upcallCh:   upcallCh,
		faults:     GetUserFaultInjector(),
	}
	event := stateEvent{event: evt01}
	sm.currentState = ae1.callback(sm, event)
	return sm
}

func newStateMachineForServiceProvider(
	conn net.Conn,
	params stateMachineParams,
	upcallCh chan upcallEvent,
	downcallCh chan stateEvent) *stateMachine {
	sm := &stateMachine{
		params:     params,
		isUser:     false,
		conn:       conn,
		cm:         newContextManager(),
		netCh:      make(chan stateEvent, 128),
		downcallCh: downcallCh,
		timerCh:    make(chan stateEvent, 1),
		upcallCh:   upcallCh,
		faults:     GetProviderFaultInjector(),
	}
	event := stateEvent{event: evt05, conn: conn}
	sm.currentState = ae5.callback(sm, event)
	return sm
}

// runStateMachine drives the machine until it returns to Sta1, then closes
// upcallCh. Meant to run on its own goroutine.
func runStateMachine(sm *stateMachine) {
	vlog.VI(2).Infof("%s: starting state machine in %v", sm.params.label, sm.currentState.name)
	for sm.currentState != sta01 {
		event := getNextEvent(sm)
		action := findAction(sm.currentState, event.event)
		if action == nil {
			vlog.Infof("%s: dropping event %v in state %v",
				sm.params.label, event.event, sm.currentState.name)
			continue
		}
		vlog.VI(2).Infof("%s: state %v event %v -> action %v",
			sm.params.label, sm.currentState.name, event.event, action)
		sm.currentState = action.callback(sm, event)
		if sm.currentState == sta06 {
			resetIdleTimer(sm)
		} else {
			stopIdleTimer(sm)
		}
	}
	stopTimer(sm)
	stopIdleTimer(sm)
	closeConnection(sm)
	vlog.VI(1).Infof("%s: state machine finished (err: %v)", sm.params.label, sm.fatalErr)
	close(sm.upcallCh)
}
