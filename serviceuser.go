// This file implements the ServiceUser, the requestor side of an association.
package dcmnode

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/dcmnode/dcmnode/dimse"
	"github.com/dcmnode/dcmnode/pdu"
	"github.com/dcmnode/dcmnode/sopclass"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"github.com/yasushi-saito/go-dicom/dicomuid"
	"v.io/x/lib/vlog"
)

type serviceUserStatus int

const (
	serviceUserInitial = serviceUserStatus(iota)
	serviceUserAssociationActive
	serviceUserClosed
)

var errAssociationReleased = errors.New("association already released")

// ServiceUser implements the client side of the DICOM network protocol.
//
//	params, err := dcmnode.NewServiceUserParams(
//	   "ANY-SCP",  // remote application-entity title
//	   "STORE-SCU", // this application-entity title
//	   sopclass.StorageClasses, // SOP classes to propose
//	   nil) // transfer syntaxes to propose; nil means the standard list
//	su := dcmnode.NewServiceUser(params)
//	su.Connect("1.2.3.4:11111")
//	contexts, err := su.WaitContexts()
//	// ... pick a context, send files ...
//	status, err := su.CStore(pc, sopInstanceUID, data)
//	su.Release()
//
// ServiceUser is thread compatible: methods must not be called concurrently
// from multiple goroutines. Wait for one command to finish before issuing
// the next.
type ServiceUser struct {
	sm         *stateMachine
	downcallCh chan stateEvent
	upcallCh   chan upcallEvent

	mu   *sync.Mutex
	cond *sync.Cond // Broadcast when status changes.

	// Following fields are guarded by mu.
	status         serviceUserStatus
	released       bool
	machineDone    bool
	cm             *contextManager // Set once the handshake completes.
	activeCommands map[uint16]*userCommandState
}

// Per-command-invocation state.
type userCommandState struct {
	parent    *ServiceUser
	messageID uint16

	// upcallCh streams responses for the given messageID.
	upcallCh chan upcallEvent
}

func (su *ServiceUser) createCommand(messageID uint16) *userCommandState {
	su.mu.Lock()
	defer su.mu.Unlock()
	if _, ok := su.activeCommands[messageID]; ok {
		panic(messageID)
	}
	cs := &userCommandState{
		parent:    su,
		messageID: messageID,
		upcallCh:  make(chan upcallEvent, 128),
	}
	su.activeCommands[messageID] = cs
	return cs
}

func (su *ServiceUser) findCommand(messageID uint16) *userCommandState {
	su.mu.Lock()
	defer su.mu.Unlock()
	return su.activeCommands[messageID]
}

func (su *ServiceUser) deleteCommand(cs *userCommandState) {
	su.mu.Lock()
	if _, ok := su.activeCommands[cs.messageID]; !ok {
		// Already reaped during association teardown.
		su.mu.Unlock()
		return
	}
	delete(su.activeCommands, cs.messageID)
	su.mu.Unlock()
	close(cs.upcallCh)
}

type ServiceUserParams struct {
	CalledAETitle  string // Must be nonempty
	CallingAETitle string // Must be nonempty

	// Presentation contexts to propose, in order. Context IDs 1, 3, 5, ...
	// are assigned in this order during the handshake.
	Proposals []ProposedContext

	// Max PDU size, in bytes, this side is willing to receive. Values <=0
	// mean DefaultMaxPDUSize.
	MaxPDUSize int

	// Optional user identity to present during negotiation.
	UserIdentity *pdu.UserIdentityRQ
}

// NewServiceUserParams builds params proposing one presentation context per
// requiredServices entry, each offering all of transferSyntaxUIDs.
// requiredServices is usually one of the lists in the sopclass package. An
// empty transferSyntaxUIDs proposes the exhaustive standard list.
func NewServiceUserParams(
	calledAETitle string,
	callingAETitle string,
	requiredServices []sopclass.SOPUID,
	transferSyntaxUIDs []string) (ServiceUserParams, error) {
	if calledAETitle == "" {
		return ServiceUserParams{}, errors.New("NewServiceUserParams: empty calledAETitle")
	}
	if callingAETitle == "" {
		return ServiceUserParams{}, errors.New("NewServiceUserParams: empty callingAETitle")
	}
	if len(transferSyntaxUIDs) == 0 {
		transferSyntaxUIDs = dicomio.StandardTransferSyntaxes
	} else {
		canonical := make([]string, len(transferSyntaxUIDs))
		for i, uid := range transferSyntaxUIDs {
			canonicalUID, err := dicomio.CanonicalTransferSyntaxUID(uid)
			if err != nil {
				return ServiceUserParams{}, err
			}
			canonical[i] = canonicalUID
		}
		transferSyntaxUIDs = canonical
	}
	var proposals []ProposedContext
	for _, service := range requiredServices {
		proposals = append(proposals, ProposedContext{
			AbstractSyntaxUID:  service.UID,
			TransferSyntaxUIDs: transferSyntaxUIDs,
		})
	}
	return ServiceUserParams{
		CalledAETitle:  calledAETitle,
		CallingAETitle: callingAETitle,
		Proposals:      proposals,
	}, nil
}

func (su *ServiceUser) handleEvent(event upcallEvent) {
	messageID := event.command.GetMessageID()
	cs := su.findCommand(messageID)
	if cs == nil {
		vlog.Errorf("su: dropping message for unknown ID %d: %v", messageID, event.command)
		return
	}
	cs.upcallCh <- event
}

// NewServiceUser creates a ServiceUser. The caller must call Connect or
// SetConn before issuing commands.
func NewServiceUser(params ServiceUserParams) *ServiceUser {
	mu := &sync.Mutex{}
	su := &ServiceUser{
		downcallCh:     make(chan stateEvent, 128),
		upcallCh:       make(chan upcallEvent, 128),
		mu:             mu,
		cond:           sync.NewCond(mu),
		status:         serviceUserInitial,
		activeCommands: make(map[uint16]*userCommandState),
	}
	maxPDUSize := params.MaxPDUSize
	if maxPDUSize <= 0 {
		maxPDUSize = DefaultMaxPDUSize
	}
	su.sm = newStateMachineForServiceUser(stateMachineParams{
		label:          "su",
		maxPDUSize:     maxPDUSize,
		calledAETitle:  params.CalledAETitle,
		callingAETitle: params.CallingAETitle,
		proposals:      params.Proposals,
		userIdentity:   params.UserIdentity,
	}, su.upcallCh, su.downcallCh)
	go runStateMachine(su.sm)
	go func() {
		for event := range su.upcallCh {
			if event.eventType == upcallEventHandshakeCompleted {
				su.mu.Lock()
				doassert(su.cm == nil)
				su.status = serviceUserAssociationActive
				su.cm = event.cm
				su.cond.Broadcast()
				su.mu.Unlock()
				continue
			}
			doassert(event.eventType == upcallEventData)
			su.handleEvent(event)
		}
		vlog.VI(1).Infof("su: dispatcher finished")
		su.mu.Lock()
		su.status = serviceUserClosed
		su.machineDone = true
		for id, cs := range su.activeCommands {
			close(cs.upcallCh)
			delete(su.activeCommands, id)
		}
		su.cond.Broadcast()
		su.mu.Unlock()
	}()
	return su
}

func (su *ServiceUser) waitUntilReady() error {
	su.mu.Lock()
	defer su.mu.Unlock()
	for su.status <= serviceUserInitial {
		su.cond.Wait()
	}
	if su.status != serviceUserAssociationActive {
		if su.released {
			return errAssociationReleased
		}
		if err := su.sm.fatalErr; err != nil {
			return err
		}
		return ErrNegotiationFailed
	}
	return nil
}

// Connect dials the server at "host:port". Either Connect or SetConn must be
// called before issuing commands.
func (su *ServiceUser) Connect(serverAddr string) {
	doassert(su.status == serviceUserInitial)
	conn, err := net.Dial("tcp", serverAddr)
	if err != nil {
		vlog.Infof("su: connect(%s): %v", serverAddr, err)
		su.downcallCh <- stateEvent{event: evt17, err: err}
		return
	}
	su.downcallCh <- stateEvent{event: evt02, conn: conn}
}

// SetConn starts the association handshake on an already-established
// connection. Either Connect or SetConn must be called before issuing
// commands.
func (su *ServiceUser) SetConn(conn net.Conn) {
	doassert(su.status == serviceUserInitial)
	su.downcallCh <- stateEvent{event: evt02, conn: conn}
}

// WaitContexts blocks until the handshake finishes and returns the outcome
// of every proposed presentation context, in proposal order. It fails when
// the peer rejected the association or the connection broke first.
func (su *ServiceUser) WaitContexts() ([]PresentationContext, error) {
	if err := su.waitUntilReady(); err != nil {
		return nil, err
	}
	su.mu.Lock()
	defer su.mu.Unlock()
	doassert(su.cm != nil)
	return su.cm.negotiatedContexts(), nil
}

// CEcho sends a C-ECHO request and returns nil iff the peer responds with a
// success status. The association must have an accepted verification
// context.
func (su *ServiceUser) CEcho() error {
	if err := su.waitUntilReady(); err != nil {
		return err
	}
	if _, err := su.cm.lookupByAbstractSyntaxUID(dicomuid.VerificationSOPClass); err != nil {
		return err
	}
	cs := su.createCommand(dimse.NewMessageID())
	defer su.deleteCommand(cs)
	su.downcallCh <- stateEvent{
		event: evt09,
		dimsePayload: &stateEventDIMSEPayload{
			abstractSyntaxName: dicomuid.VerificationSOPClass,
			command: &dimse.C_ECHO_RQ{
				MessageID:          cs.messageID,
				CommandDataSetType: dimse.CommandDataSetTypeNull,
			},
		},
	}
	event, ok := <-cs.upcallCh
	if !ok {
		if fatal := su.sm.fatalErr; fatal != nil {
			return fatal
		}
		return errors.New("association terminated before the C-ECHO response arrived")
	}
	resp, ok := event.command.(*dimse.C_ECHO_RSP)
	if !ok {
		return fmt.Errorf("C-ECHO: unexpected response %v", event.command)
	}
	if resp.Status.Status != dimse.StatusSuccess {
		return fmt.Errorf("C-ECHO failed: %v", resp.Status)
	}
	return nil
}

// CStore transfers one SOP instance on the given accepted presentation
// context and blocks until the peer responds. data holds the dataset bytes,
// already encoded in the context's transfer syntax and stripped of any file
// meta header. The returned status is meaningful only when err is nil.
func (su *ServiceUser) CStore(pc PresentationContext, sopInstanceUID string, data []byte) (dimse.Status, error) {
	if err := su.waitUntilReady(); err != nil {
		return dimse.Status{}, err
	}
	doassert(pc.Accepted())
	cs := su.createCommand(dimse.NewMessageID())
	defer su.deleteCommand(cs)
	status, err := runCStoreOnAssociation(
		cs.upcallCh, su.downcallCh, cs.messageID, pc, sopInstanceUID, data)
	if errors.Is(err, errAssociationEnded) {
		if fatal := su.sm.fatalErr; fatal != nil {
			return status, fatal
		}
	}
	return status, err
}

// Release performs a graceful release handshake and blocks until the
// association is torn down. After Release no other operation can be
// performed on the ServiceUser.
func (su *ServiceUser) Release() {
	err := su.waitUntilReady()
	su.mu.Lock()
	alreadyDone := su.machineDone
	su.status = serviceUserClosed
	su.released = true
	su.mu.Unlock()
	if err != nil || alreadyDone {
		return
	}
	su.downcallCh <- stateEvent{event: evt11}
	su.mu.Lock()
	for !su.machineDone {
		su.cond.Wait()
	}
	su.mu.Unlock()
}

// Abort tears the association down with A-ABORT, without waiting for
// in-flight commands, and blocks until the connection is closed. Pending
// commands fail.
func (su *ServiceUser) Abort() {
	su.mu.Lock()
	su.status = serviceUserClosed
	alreadyDone := su.machineDone
	su.mu.Unlock()
	if alreadyDone {
		return
	}
	su.downcallCh <- stateEvent{event: evt15}
	su.mu.Lock()
	for !su.machineDone {
		su.cond.Wait()
	}
	su.mu.Unlock()
}
