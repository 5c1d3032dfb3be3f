package dcmnode

import (
	"fmt"
	"strings"

	"github.com/dcmnode/dcmnode/part10"
	"github.com/dcmnode/dcmnode/pdu"
	"github.com/yasushi-saito/go-dicom/dicomuid"
	"v.io/x/lib/vlog"
)

// AcceptorPolicy decides which proposed presentation contexts an acceptor
// admits. The zero value accepts every abstract syntax and picks the first
// transfer syntax the peer proposes.
type AcceptorPolicy struct {
	// Abstract syntax UIDs to accept. Empty accepts anything (promiscuous).
	AbstractSyntaxes []string

	// Transfer syntax UIDs to accept, in preference order; the first entry
	// also proposed by the peer wins. Empty accepts whatever the peer
	// lists first.
	TransferSyntaxes []string
}

func (p AcceptorPolicy) acceptsAbstractSyntax(uid string) bool {
	if len(p.AbstractSyntaxes) == 0 {
		return true
	}
	for _, accepted := range p.AbstractSyntaxes {
		if accepted == uid {
			return true
		}
	}
	return false
}

func (p AcceptorPolicy) chooseTransferSyntax(proposed []string) (string, bool) {
	if len(p.TransferSyntaxes) == 0 {
		if len(proposed) == 0 {
			return "", false
		}
		return proposed[0], true
	}
	for _, want := range p.TransferSyntaxes {
		for _, got := range proposed {
			if got == want {
				return want, true
			}
		}
	}
	return "", false
}

// ProposedContext is one presentation context offered in an A-ASSOCIATE-RQ.
type ProposedContext struct {
	AbstractSyntaxUID  string
	TransferSyntaxUIDs []string
}

// PresentationContext reports the negotiated outcome of one proposed
// presentation context.
type PresentationContext struct {
	ID                byte
	AbstractSyntaxUID string
	// The transfer syntax chosen by the acceptor. Empty when rejected.
	TransferSyntaxUID string
	Result            pdu.PresentationContextResult
}

// Accepted reports whether the context can carry messages.
func (c PresentationContext) Accepted() bool {
	return c.Result == pdu.PresentationContextAccepted
}

func (c PresentationContext) String() string {
	return fmt.Sprintf("context{id: %d abstractsyntax: %s transfersyntax: %s result: %v}",
		c.ID, dicomuid.UIDString(c.AbstractSyntaxUID), dicomuid.UIDString(c.TransferSyntaxUID), c.Result)
}

// FindAcceptedContext returns the first accepted context matching the
// abstract syntax and, when transferSyntaxUID is nonempty, the transfer
// syntax too.
func FindAcceptedContext(contexts []PresentationContext, abstractSyntaxUID, transferSyntaxUID string) (PresentationContext, error) {
	for _, c := range contexts {
		if !c.Accepted() || c.AbstractSyntaxUID != abstractSyntaxUID {
			continue
		}
		if transferSyntaxUID != "" && c.TransferSyntaxUID != transferSyntaxUID {
			continue
		}
		return c, nil
	}
	return PresentationContext{}, fmt.Errorf("%w: %s", ErrNoPresentationContext, dicomuid.UIDString(abstractSyntaxUID))
}

// One accepted presentation context. contextIDs are allocated anew during
// each association handshake, always odd: 1, 3, 5, ...
type contextManagerEntry struct {
	contextID         byte
	abstractSyntaxUID string
	transferSyntaxUID string
}

// contextManager holds the association handshake outcome: accepted
// contextID<->abstract-syntax mappings plus the attributes the peer declared
// about itself. One contextManager is created per association. Filled during
// negotiation, read-only afterwards.
type contextManager struct {
	// Accepted contexts only.
	contextIDToEntry map[byte]*contextManagerEntry
	// First accepted context per abstract syntax.
	abstractSyntaxToEntry map[string]*contextManagerEntry

	// Every proposed context with its outcome, in negotiation order.
	negotiated []PresentationContext

	// Info about the other side of the communication, gleaned from
	// A-ASSOCIATE-* pdus.
	peerMaxPDUSize                int
	peerImplementationClassUID    string
	peerImplementationVersionName string
	peerCalledAETitle             string
	peerCallingAETitle            string
	peerUserIdentity              *pdu.UserIdentityRQ
	peerUserIdentityResponse      *pdu.UserIdentityAC

	// Requestor side only: contexts proposed in the A-ASSOCIATE-RQ, keyed
	// by context ID, awaiting the peer's response.
	tmpRequests map[byte]*pdu.PresentationContextItem
}

func newContextManager() *contextManager {
	return &contextManager{
		contextIDToEntry:      make(map[byte]*contextManagerEntry),
		abstractSyntaxToEntry: make(map[string]*contextManagerEntry),
		// Until the peer says otherwise. P3.8 D.1 makes no recommendation;
		// this matches what most implementations assume.
		peerMaxPDUSize: 16384,
		tmpRequests:    make(map[byte]*pdu.PresentationContextItem),
	}
}

// generateAssociateRequest builds the A-ASSOCIATE-RQ sub-item list: the
// application context, one presentation context per proposal with IDs
// 1, 3, 5, ..., and the user information item describing this side.
func (m *contextManager) generateAssociateRequest(
	proposals []ProposedContext,
	maxPDUSize int,
	identity *pdu.UserIdentityRQ) []pdu.SubItem {
	items := []pdu.SubItem{
		&pdu.ApplicationContextItem{Name: pdu.DICOMApplicationContextItemName},
	}
	var contextID byte = 1
	for _, proposal := range proposals {
		syntaxItems := []pdu.SubItem{
			&pdu.AbstractSyntaxSubItem{Name: proposal.AbstractSyntaxUID},
		}
		for _, syntaxUID := range proposal.TransferSyntaxUIDs {
			syntaxItems = append(syntaxItems, &pdu.TransferSyntaxSubItem{Name: syntaxUID})
		}
		item := &pdu.PresentationContextItem{
			Type:      pdu.ItemTypePresentationContextRequest,
			ContextID: contextID,
			Result:    0,
			Items:     syntaxItems,
		}
		items = append(items, item)
		m.tmpRequests[contextID] = item
		contextID += 2
	}
	userInfo := []pdu.SubItem{
		&pdu.UserInformationMaximumLengthItem{MaximumLengthReceived: uint32(maxPDUSize)},
		&pdu.ImplementationClassUIDSubItem{Name: part10.ImplementationClassUID},
		&pdu.ImplementationVersionNameSubItem{Name: part10.ImplementationVersionName},
	}
	if identity != nil {
		userInfo = append(userInfo, identity)
	}
	items = append(items, &pdu.UserInformationItem{Items: userInfo})
	return items
}

// onAssociateRequest negotiates an inbound A-ASSOCIATE-RQ against the policy
// and builds the A-ASSOCIATE-AC sub-item list: one presentation context
// response per proposed context, in proposal order, each carrying result
// accepted (0), abstract syntax not supported (3), or transfer syntaxes not
// supported (4). An error rejects the whole association.
func (m *contextManager) onAssociateRequest(
	request *pdu.A_ASSOCIATE,
	policy AcceptorPolicy,
	maxPDUSize int) ([]pdu.SubItem, error) {
	m.peerCalledAETitle = strings.TrimRight(request.CalledAETitle, " ")
	m.peerCallingAETitle = strings.TrimRight(request.CallingAETitle, " ")
	var identityResponse *pdu.UserIdentityAC
	responses := []pdu.SubItem{}
	for _, item := range request.Items {
		switch ri := item.(type) {
		case *pdu.ApplicationContextItem:
			if ri.Name != pdu.DICOMApplicationContextItemName {
				vlog.Infof("contextmanager: unexpected application context %q, continuing anyway", ri.Name)
			}
			responses = append(responses,
				&pdu.ApplicationContextItem{Name: pdu.DICOMApplicationContextItemName})
		case *pdu.PresentationContextItem:
			if _, seen := m.contextIDToEntry[ri.ContextID]; seen {
				return nil, fmt.Errorf("duplicate presentation context ID %d in A-ASSOCIATE-RQ", ri.ContextID)
			}
			abstractUID, proposedTS, err := splitPresentationContext(ri)
			if err != nil {
				return nil, err
			}
			result := pdu.PresentationContextAccepted
			chosenTS := ""
			if !policy.acceptsAbstractSyntax(abstractUID) {
				result = pdu.PresentationContextProviderRejectionAbstractSyntaxNotSupported
			} else if ts, ok := policy.chooseTransferSyntax(proposedTS); ok {
				chosenTS = ts
			} else {
				result = pdu.PresentationContextProviderRejectionTransferSyntaxNotSupported
			}
			if result == pdu.PresentationContextAccepted {
				m.addContextMapping(ri.ContextID, abstractUID, chosenTS)
			} else {
				vlog.VI(1).Infof("contextmanager: rejecting context %d (%s): %v",
					ri.ContextID, dicomuid.UIDString(abstractUID), result)
			}
			m.negotiated = append(m.negotiated, PresentationContext{
				ID:                ri.ContextID,
				AbstractSyntaxUID: abstractUID,
				TransferSyntaxUID: chosenTS,
				Result:            result,
			})
			// Rejected responses still carry a transfer syntax sub-item;
			// the peer must ignore it (P3.8 9.3.3.2).
			responseTS := chosenTS
			if responseTS == "" && len(proposedTS) > 0 {
				responseTS = proposedTS[0]
			}
			var responseItems []pdu.SubItem
			if responseTS != "" {
				responseItems = []pdu.SubItem{&pdu.TransferSyntaxSubItem{Name: responseTS}}
			}
			responses = append(responses, &pdu.PresentationContextItem{
				Type:      pdu.ItemTypePresentationContextResponse,
				ContextID: ri.ContextID,
				Result:    result,
				Items:     responseItems,
			})
		case *pdu.UserInformationItem:
			identityResponse = m.recordUserInformation(ri)
		case *pdu.SubItemUnsupported:
			vlog.VI(1).Infof("contextmanager: ignoring unsupported sub-item 0x%02x", ri.Type)
		default:
			vlog.VI(1).Infof("contextmanager: ignoring sub-item %v", ri)
		}
	}
	userInfo := []pdu.SubItem{
		&pdu.UserInformationMaximumLengthItem{MaximumLengthReceived: uint32(maxPDUSize)},
		&pdu.ImplementationClassUIDSubItem{Name: part10.ImplementationClassUID},
		&pdu.ImplementationVersionNameSubItem{Name: part10.ImplementationVersionName},
	}
	if identityResponse != nil {
		userInfo = append(userInfo, identityResponse)
	}
	responses = append(responses, &pdu.UserInformationItem{Items: userInfo})
	return responses, nil
}

// onAssociateResponse matches an inbound A-ASSOCIATE-AC against the contexts
// proposed earlier and installs the accepted mappings. An association with
// zero accepted contexts is still established; sends on it fail with
// ErrNoPresentationContext.
func (m *contextManager) onAssociateResponse(responses []pdu.SubItem) error {
	for _, item := range responses {
		switch ri := item.(type) {
		case *pdu.ApplicationContextItem:
			if ri.Name != pdu.DICOMApplicationContextItemName {
				vlog.Infof("contextmanager: unexpected application context %q in A-ASSOCIATE-AC", ri.Name)
			}
		case *pdu.PresentationContextItem:
			if ri.Type != pdu.ItemTypePresentationContextResponse {
				return fmt.Errorf("wrong presentation context type 0x%02x in A-ASSOCIATE-AC", ri.Type)
			}
			request, ok := m.tmpRequests[ri.ContextID]
			if !ok {
				return fmt.Errorf("unknown presentation context ID %d in A-ASSOCIATE-AC", ri.ContextID)
			}
			abstractUID, proposedTS, err := splitPresentationContext(request)
			if err != nil {
				return err
			}
			chosenTS := ""
			if ri.Result == pdu.PresentationContextAccepted {
				chosenTS, err = acceptedTransferSyntax(ri, proposedTS)
				if err != nil {
					return err
				}
				m.addContextMapping(ri.ContextID, abstractUID, chosenTS)
			}
			m.negotiated = append(m.negotiated, PresentationContext{
				ID:                ri.ContextID,
				AbstractSyntaxUID: abstractUID,
				TransferSyntaxUID: chosenTS,
				Result:            ri.Result,
			})
		case *pdu.UserInformationItem:
			m.recordUserInformation(ri)
		default:
			vlog.VI(1).Infof("contextmanager: ignoring sub-item %v in A-ASSOCIATE-AC", ri)
		}
	}
	return nil
}

// recordUserInformation notes the peer's declared attributes. On the
// acceptor side it returns a UserIdentityAC when the peer asked for a
// positive response, nil otherwise.
func (m *contextManager) recordUserInformation(info *pdu.UserInformationItem) *pdu.UserIdentityAC {
	var identityResponse *pdu.UserIdentityAC
	for _, subitem := range info.Items {
		switch ui := subitem.(type) {
		case *pdu.UserInformationMaximumLengthItem:
			if ui.MaximumLengthReceived > 0 {
				m.peerMaxPDUSize = int(ui.MaximumLengthReceived)
			}
		case *pdu.ImplementationClassUIDSubItem:
			m.peerImplementationClassUID = ui.Name
		case *pdu.ImplementationVersionNameSubItem:
			m.peerImplementationVersionName = ui.Name
		case *pdu.UserIdentityRQ:
			vlog.VI(1).Infof("contextmanager: peer user identity: %v", ui)
			m.peerUserIdentity = ui
			if ui.PositiveResponseRequested {
				identityResponse = &pdu.UserIdentityAC{}
			}
		case *pdu.UserIdentityAC:
			m.peerUserIdentityResponse = ui
		default:
			vlog.VI(1).Infof("contextmanager: ignoring user information sub-item %v", subitem)
		}
	}
	return identityResponse
}

// splitPresentationContext pulls the abstract syntax and the transfer syntax
// list out of a presentation context request item.
func splitPresentationContext(item *pdu.PresentationContextItem) (string, []string, error) {
	abstractUID := ""
	var transferUIDs []string
	for _, subItem := range item.Items {
		switch c := subItem.(type) {
		case *pdu.AbstractSyntaxSubItem:
			if abstractUID != "" {
				return "", nil, fmt.Errorf("multiple abstract syntaxes in presentation context %d", item.ContextID)
			}
			abstractUID = c.Name
		case *pdu.TransferSyntaxSubItem:
			transferUIDs = append(transferUIDs, c.Name)
		}
	}
	if abstractUID == "" {
		return "", nil, fmt.Errorf("no abstract syntax in presentation context %d", item.ContextID)
	}
	return abstractUID, transferUIDs, nil
}

// acceptedTransferSyntax extracts the single transfer syntax from an
// accepted presentation context response and checks it was actually
// proposed.
func acceptedTransferSyntax(response *pdu.PresentationContextItem, proposedTS []string) (string, error) {
	chosen := ""
	for _, subItem := range response.Items {
		ts, ok := subItem.(*pdu.TransferSyntaxSubItem)
		if !ok {
			continue
		}
		if chosen != "" {
			return "", fmt.Errorf("multiple transfer syntaxes in accepted presentation context %d", response.ContextID)
		}
		chosen = ts.Name
	}
	if chosen == "" {
		return "", fmt.Errorf("no transfer syntax in accepted presentation context %d", response.ContextID)
	}
	for _, proposed := range proposedTS {
		if proposed == chosen {
			return chosen, nil
		}
	}
	return "", fmt.Errorf("accepted presentation context %d picked transfer syntax %s that was never proposed",
		response.ContextID, dicomuid.UIDString(chosen))
}

func (m *contextManager) addContextMapping(contextID byte, abstractSyntaxUID, transferSyntaxUID string) {
	vlog.VI(2).Infof("contextmanager: mapping context %d -> (%s, %s)",
		contextID, dicomuid.UIDString(abstractSyntaxUID), dicomuid.UIDString(transferSyntaxUID))
	doassert(contextID%2 == 1)
	doassert(abstractSyntaxUID != "")
	doassert(transferSyntaxUID != "")
	e := &contextManagerEntry{
		contextID:         contextID,
		abstractSyntaxUID: abstractSyntaxUID,
		transferSyntaxUID: transferSyntaxUID,
	}
	m.contextIDToEntry[contextID] = e
	if _, ok := m.abstractSyntaxToEntry[abstractSyntaxUID]; !ok {
		m.abstractSyntaxToEntry[abstractSyntaxUID] = e
	}
}

func (m *contextManager) lookupByContextID(contextID byte) (contextManagerEntry, error) {
	e, ok := m.contextIDToEntry[contextID]
	if !ok {
		return contextManagerEntry{}, fmt.Errorf("%w: unknown context ID %d", ErrNoPresentationContext, contextID)
	}
	return *e, nil
}

func (m *contextManager) lookupByAbstractSyntaxUID(abstractSyntaxUID string) (contextManagerEntry, error) {
	e, ok := m.abstractSyntaxToEntry[abstractSyntaxUID]
	if !ok {
		return contextManagerEntry{}, fmt.Errorf("%w: %s", ErrNoPresentationContext, dicomuid.UIDString(abstractSyntaxUID))
	}
	return *e, nil
}

// negotiatedContexts returns the outcome of every proposed presentation
// context, in negotiation order.
func (m *contextManager) negotiatedContexts() []PresentationContext {
	contexts := make([]PresentationContext, len(m.negotiated))
	copy(contexts, m.negotiated)
	return contexts
}
