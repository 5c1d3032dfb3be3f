package dcmnode

import (
	"errors"
	"fmt"

	"github.com/dcmnode/dcmnode/dimse"
	"github.com/yasushi-saito/go-dicom/dicomuid"
)

// Distinguishes channel teardown from DIMSE-level failures so callers can
// substitute the association's fatal error.
var errAssociationEnded = errors.New("association terminated before the response arrived")

// runCStoreOnAssociation issues one C-STORE-RQ on an accepted presentation
// context and waits for the matching C-STORE-RSP. data must already be
// encoded in the context's transfer syntax.
func runCStoreOnAssociation(
	upcallCh chan upcallEvent,
	downcallCh chan stateEvent,
	messageID uint16,
	pc PresentationContext,
	sopInstanceUID string,
	data []byte) (dimse.Status, error) {
	downcallCh <- stateEvent{
		event: evt09,
		dimsePayload: &stateEventDIMSEPayload{
			contextID:          pc.ID,
			abstractSyntaxName: pc.AbstractSyntaxUID,
			command: &dimse.C_STORE_RQ{
				AffectedSOPClassUID:    pc.AbstractSyntaxUID,
				MessageID:              messageID,
				Priority:               0,
				CommandDataSetType:     dimse.CommandDataSetTypeNonNull,
				AffectedSOPInstanceUID: sopInstanceUID,
			},
			data: data,
		},
	}
	event, ok := <-upcallCh
	if !ok {
		return dimse.Status{}, fmt.Errorf("%w (C-STORE %s)",
			errAssociationEnded, dicomuid.UIDString(sopInstanceUID))
	}
	doassert(event.eventType == upcallEventData)
	resp, ok := event.command.(*dimse.C_STORE_RSP)
	if !ok {
		return dimse.Status{}, fmt.Errorf("C-STORE: unexpected response %v", event.command)
	}
	return resp.Status, nil
}
