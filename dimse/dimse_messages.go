package dimse

import (
	"fmt"

	"github.com/yasushi-saito/go-dicom/dicomio"
)

// CommandField (0000,0100) values. P3.7 E.1.
const (
	CommandFieldCStoreRq  = 0x0001
	CommandFieldCStoreRsp = 0x8001
	CommandFieldCEchoRq   = 0x0030
	CommandFieldCEchoRsp  = 0x8030
)

// StatusCode is the value of the Status element (0000,0900) in a response.
type StatusCode uint16

const (
	StatusSuccess            StatusCode = 0
	StatusCancel             StatusCode = 0xfe00
	StatusPending            StatusCode = 0xff00
	StatusPendingWithWarning StatusCode = 0xff01

	StatusSOPClassNotSupported StatusCode = 0x0112
	StatusNotAuthorized        StatusCode = 0x0124

	// C-STORE specific codes. P3.4 GG4-1.
	CStoreStatusOutOfResources              StatusCode = 0xa700
	CStoreStatusInstanceUnavailable         StatusCode = 0xa701
	CStoreStatusDataSetDoesNotMatchSOPClass StatusCode = 0xa900
	CStoreStatusCannotUnderstand            StatusCode = 0xc000
)

// StatusClass partitions status codes the way batch senders account for
// them.
type StatusClass int

const (
	StatusClassSuccess StatusClass = iota
	StatusClassWarning
	StatusClassPending
	StatusClassCancelled
	StatusClassFailure
)

func (c StatusClass) String() string {
	switch c {
	case StatusClassSuccess:
		return "success"
	case StatusClassWarning:
		return "warning"
	case StatusClassPending:
		return "pending"
	case StatusClassCancelled:
		return "cancelled"
	default:
		return "failure"
	}
}

// Class maps a status code onto its class. P3.7 C.
func (s StatusCode) Class() StatusClass {
	switch {
	case s == 0:
		return StatusClassSuccess
	case s == 0x0001 || s == 0x0107 || s == 0x0116:
		return StatusClassWarning
	case s >= 0xb000 && s <= 0xbfff:
		return StatusClassWarning
	case s == StatusPending || s == StatusPendingWithWarning:
		return StatusClassPending
	case s == StatusCancel:
		return StatusClassCancelled
	default:
		return StatusClassFailure
	}
}

// Status is the result reported in a DIMSE response.
type Status struct {
	// Status is the value of (0000,0900).
	Status StatusCode

	// ErrorComment is the optional free-form diagnostic (0000,0902).
	ErrorComment string
}

// Success is the canonical all-good response status.
var Success = Status{Status: StatusSuccess}

func (s Status) String() string {
	if s.ErrorComment != "" {
		return fmt.Sprintf("0x%04x[%v](%s)", uint16(s.Status), s.Status.Class(), s.ErrorComment)
	}
	return fmt.Sprintf("0x%04x[%v]", uint16(s.Status), s.Status.Class())
}

func encodeStatus(e *dicomio.Encoder, v Status) {
	encodeField(e, TagStatus, uint16(v.Status))
	if v.ErrorComment != "" {
		encodeField(e, TagErrorComment, v.ErrorComment)
	}
}

type C_STORE_RQ struct {
	AffectedSOPClassUID                  string
	MessageID                            uint16
	Priority                             uint16
	CommandDataSetType                   uint16
	AffectedSOPInstanceUID               string
	MoveOriginatorApplicationEntityTitle string
	MoveOriginatorMessageID              uint16
	Extra                                []*Element // Unparsed elements
}

func (v *C_STORE_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, TagCommandField, uint16(CommandFieldCStoreRq))
	encodeField(e, TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, TagMessageID, v.MessageID)
	encodeField(e, TagPriority, v.Priority)
	encodeField(e, TagCommandDataSetType, v.CommandDataSetType)
	encodeField(e, TagAffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	if v.MoveOriginatorApplicationEntityTitle != "" {
		encodeField(e, TagMoveOriginatorApplicationEntityTitle, v.MoveOriginatorApplicationEntityTitle)
	}
	if v.MoveOriginatorMessageID != 0 {
		encodeField(e, TagMoveOriginatorMessageID, v.MoveOriginatorMessageID)
	}
	for _, elem := range v.Extra {
		encodeRawElement(e, elem.Tag, elem.Value)
	}
}

func (v *C_STORE_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_STORE_RQ) CommandField() int { return CommandFieldCStoreRq }

func (v *C_STORE_RQ) GetMessageID() uint16 { return v.MessageID }

func (v *C_STORE_RQ) GetStatus() *Status { return nil }

func (v *C_STORE_RQ) String() string {
	return fmt.Sprintf("C_STORE_RQ{AffectedSOPClassUID:%v MessageID:%v Priority:%v CommandDataSetType:%v AffectedSOPInstanceUID:%v MoveOriginatorApplicationEntityTitle:%v MoveOriginatorMessageID:%v}",
		v.AffectedSOPClassUID, v.MessageID, v.Priority, v.CommandDataSetType, v.AffectedSOPInstanceUID, v.MoveOriginatorApplicationEntityTitle, v.MoveOriginatorMessageID)
}

func decodeC_STORE_RQ(d *messageDecoder) *C_STORE_RQ {
	v := &C_STORE_RQ{}
	v.AffectedSOPClassUID = d.getString(TagAffectedSOPClassUID, requiredElement)
	v.MessageID = d.getUInt16(TagMessageID, requiredElement)
	v.Priority = d.getUInt16(TagPriority, requiredElement)
	v.CommandDataSetType = d.getUInt16(TagCommandDataSetType, requiredElement)
	v.AffectedSOPInstanceUID = d.getString(TagAffectedSOPInstanceUID, requiredElement)
	v.MoveOriginatorApplicationEntityTitle = d.getString(TagMoveOriginatorApplicationEntityTitle, optionalElement)
	v.MoveOriginatorMessageID = d.getUInt16(TagMoveOriginatorMessageID, optionalElement)
	v.Extra = d.unparsedElements()
	return v
}

type C_STORE_RSP struct {
	AffectedSOPClassUID       string
	MessageIDBeingRespondedTo uint16
	CommandDataSetType        uint16
	AffectedSOPInstanceUID    string
	Status                    Status
	Extra                     []*Element // Unparsed elements
}

func (v *C_STORE_RSP) Encode(e *dicomio.Encoder) {
	encodeField(e, TagCommandField, uint16(CommandFieldCStoreRsp))
	encodeField(e, TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, TagCommandDataSetType, v.CommandDataSetType)
	encodeField(e, TagAffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	encodeStatus(e, v.Status)
	for _, elem := range v.Extra {
		encodeRawElement(e, elem.Tag, elem.Value)
	}
}

func (v *C_STORE_RSP) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_STORE_RSP) CommandField() int { return CommandFieldCStoreRsp }

func (v *C_STORE_RSP) GetMessageID() uint16 { return v.MessageIDBeingRespondedTo }

func (v *C_STORE_RSP) GetStatus() *Status { return &v.Status }

func (v *C_STORE_RSP) String() string {
	return fmt.Sprintf("C_STORE_RSP{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v AffectedSOPInstanceUID:%v Status:%v}",
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.AffectedSOPInstanceUID, v.Status)
}

func decodeC_STORE_RSP(d *messageDecoder) *C_STORE_RSP {
	v := &C_STORE_RSP{}
	v.AffectedSOPClassUID = d.getString(TagAffectedSOPClassUID, requiredElement)
	v.MessageIDBeingRespondedTo = d.getUInt16(TagMessageIDBeingRespondedTo, requiredElement)
	v.CommandDataSetType = d.getUInt16(TagCommandDataSetType, requiredElement)
	v.AffectedSOPInstanceUID = d.getString(TagAffectedSOPInstanceUID, requiredElement)
	v.Status = d.getStatus()
	v.Extra = d.unparsedElements()
	return v
}

type C_ECHO_RQ struct {
	AffectedSOPClassUID string
	MessageID           uint16
	CommandDataSetType  uint16
	Extra               []*Element // Unparsed elements
}

func (v *C_ECHO_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, TagCommandField, uint16(CommandFieldCEchoRq))
	if v.AffectedSOPClassUID != "" {
		encodeField(e, TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	}
	encodeField(e, TagMessageID, v.MessageID)
	encodeField(e, TagCommandDataSetType, v.CommandDataSetType)
	for _, elem := range v.Extra {
		encodeRawElement(e, elem.Tag, elem.Value)
	}
}

func (v *C_ECHO_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_ECHO_RQ) CommandField() int { return CommandFieldCEchoRq }

func (v *C_ECHO_RQ) GetMessageID() uint16 { return v.MessageID }

func (v *C_ECHO_RQ) GetStatus() *Status { return nil }

func (v *C_ECHO_RQ) String() string {
	return fmt.Sprintf("C_ECHO_RQ{MessageID:%v CommandDataSetType:%v}", v.MessageID, v.CommandDataSetType)
}

func decodeC_ECHO_RQ(d *messageDecoder) *C_ECHO_RQ {
	v := &C_ECHO_RQ{}
	v.AffectedSOPClassUID = d.getString(TagAffectedSOPClassUID, optionalElement)
	v.MessageID = d.getUInt16(TagMessageID, requiredElement)
	v.CommandDataSetType = d.getUInt16(TagCommandDataSetType, requiredElement)
	v.Extra = d.unparsedElements()
	return v
}

type C_ECHO_RSP struct {
	MessageIDBeingRespondedTo uint16
	CommandDataSetType        uint16
	Status                    Status
	Extra                     []*Element // Unparsed elements
}

func (v *C_ECHO_RSP) Encode(e *dicomio.Encoder) {
	encodeField(e, TagCommandField, uint16(CommandFieldCEchoRsp))
	encodeField(e, TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, TagCommandDataSetType, v.CommandDataSetType)
	encodeStatus(e, v.Status)
	for _, elem := range v.Extra {
		encodeRawElement(e, elem.Tag, elem.Value)
	}
}

func (v *C_ECHO_RSP) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_ECHO_RSP) CommandField() int { return CommandFieldCEchoRsp }

func (v *C_ECHO_RSP) GetMessageID() uint16 { return v.MessageIDBeingRespondedTo }

func (v *C_ECHO_RSP) GetStatus() *Status { return &v.Status }

func (v *C_ECHO_RSP) String() string {
	return fmt.Sprintf("C_ECHO_RSP{MessageIDBeingRespondedTo:%v CommandDataSetType:%v Status:%v}",
		v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.Status)
}

func decodeC_ECHO_RSP(d *messageDecoder) *C_ECHO_RSP {
	v := &C_ECHO_RSP{}
	v.MessageIDBeingRespondedTo = d.getUInt16(TagMessageIDBeingRespondedTo, requiredElement)
	v.CommandDataSetType = d.getUInt16(TagCommandDataSetType, requiredElement)
	v.Status = d.getStatus()
	v.Extra = d.unparsedElements()
	return v
}

func decodeMessageForType(d *messageDecoder, commandField uint16) Message {
	switch commandField {
	case CommandFieldCStoreRq:
		return decodeC_STORE_RQ(d)
	case CommandFieldCStoreRsp:
		return decodeC_STORE_RSP(d)
	case CommandFieldCEchoRq:
		return decodeC_ECHO_RQ(d)
	case CommandFieldCEchoRsp:
		return decodeC_ECHO_RSP(d)
	default:
		d.setError(fmt.Errorf("dimse: unknown command 0x%x", commandField))
		return nil
	}
}
