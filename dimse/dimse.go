package dimse

// Implements message types defined in P3.7.
//
// http://dicom.nema.org/medical/dicom/current/output/pdf/part07.pdf

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/dcmnode/dcmnode/pdu"
	"github.com/yasushi-saito/go-dicom/dicomio"
)

// Message defines a DIMSE command, either a request or a response.
type Message interface {
	fmt.Stringer
	// Encode writes the command elements, excluding the leading
	// CommandGroupLength element that EncodeMessage prepends.
	Encode(*dicomio.Encoder)
	// HasData is true iff the command is followed by a data set.
	HasData() bool
	// CommandField returns the value of the (0000,0100) element.
	CommandField() int
	// GetMessageID returns MessageID for requests and
	// MessageIDBeingRespondedTo for responses.
	GetMessageID() uint16
	// GetStatus returns the status of a response, nil for requests.
	GetStatus() *Status
}

// Tag is a command-set attribute tag. Commands only carry group 0000
// elements, so the dataset dictionary is not involved.
type Tag struct {
	Group   uint16
	Element uint16
}

func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Command-set tags used by C-STORE and C-ECHO. P3.7 E.1.
var (
	TagCommandGroupLength                   = Tag{0, 0x0000}
	TagAffectedSOPClassUID                  = Tag{0, 0x0002}
	TagCommandField                         = Tag{0, 0x0100}
	TagMessageID                            = Tag{0, 0x0110}
	TagMessageIDBeingRespondedTo            = Tag{0, 0x0120}
	TagPriority                             = Tag{0, 0x0700}
	TagCommandDataSetType                   = Tag{0, 0x0800}
	TagStatus                               = Tag{0, 0x0900}
	TagErrorComment                         = Tag{0, 0x0902}
	TagAffectedSOPInstanceUID               = Tag{0, 0x1000}
	TagMoveOriginatorApplicationEntityTitle = Tag{0, 0x1030}
	TagMoveOriginatorMessageID              = Tag{0, 0x1031}
)

// Element is one raw command-set element. Commands are always implicit VR
// little endian, so an element is just {tag, length, value}.
type Element struct {
	Tag   Tag
	Value []byte
}

func (e *Element) String() string {
	return fmt.Sprintf("element{%v %dB}", e.Tag, len(e.Value))
}

// CommandDataSetType (0000,0800) value indicating that no data set follows
// the command. Any other value means a data set follows. P3.7 9.3.1.
const CommandDataSetTypeNull uint16 = 0x101

// CommandDataSetTypeNonNull is the value this package writes when a data
// set follows.
const CommandDataSetTypeNonNull uint16 = 1

func encodeRawElement(e *dicomio.Encoder, t Tag, value []byte) {
	e.WriteUInt16(t.Group)
	e.WriteUInt16(t.Element)
	e.WriteUInt32(uint32(len(value)))
	e.WriteBytes(value)
}

// encodeField writes one command element. Strings are padded to even
// length: UIDs with NUL, everything else with space.
func encodeField(e *dicomio.Encoder, t Tag, v interface{}) {
	switch v := v.(type) {
	case uint16:
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], v)
		encodeRawElement(e, t, buf[:])
	case uint32:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], v)
		encodeRawElement(e, t, buf[:])
	case string:
		encodeRawElement(e, t, padString(t, v))
	default:
		e.SetError(fmt.Errorf("dimse.encodeField: unsupported value %v for %v", v, t))
	}
}

func padString(t Tag, s string) []byte {
	if len(s)%2 == 0 {
		return []byte(s)
	}
	pad := byte(0) // UI values pad with NUL
	if t == TagMoveOriginatorApplicationEntityTitle || t == TagErrorComment {
		pad = ' '
	}
	return append([]byte(s), pad)
}

func readRawElement(d *dicomio.Decoder) *Element {
	elem := &Element{}
	elem.Tag.Group = d.ReadUInt16()
	elem.Tag.Element = d.ReadUInt16()
	length := d.ReadUInt32()
	if int64(length) > d.Len() {
		d.SetError(fmt.Errorf("dimse: element %v length %d exceeds remaining %d bytes",
			elem.Tag, length, d.Len()))
		return nil
	}
	elem.Value = d.ReadBytes(int(length))
	return elem
}

type isOptionalElement int

const (
	requiredElement isOptionalElement = iota
	optionalElement
)

// messageDecoder extracts typed fields from a decoded element list. The
// first missing required element latches an error; subsequent accessors
// return zero values.
type messageDecoder struct {
	elems  []*Element
	parsed []bool
	err    error
}

func (d *messageDecoder) setError(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *messageDecoder) findElement(t Tag, optional isOptionalElement) *Element {
	for i, elem := range d.elems {
		if elem.Tag == t {
			d.parsed[i] = true
			return elem
		}
	}
	if optional == requiredElement {
		d.setError(fmt.Errorf("dimse: missing required element %v", t))
	}
	return nil
}

// unparsedElements returns the elements no accessor has consumed, in wire
// order. Call it last during decoding.
func (d *messageDecoder) unparsedElements() []*Element {
	var unparsed []*Element
	for i, elem := range d.elems {
		if !d.parsed[i] {
			unparsed = append(unparsed, elem)
		}
	}
	return unparsed
}

func (d *messageDecoder) getString(t Tag, optional isOptionalElement) string {
	elem := d.findElement(t, optional)
	if elem == nil {
		return ""
	}
	return strings.TrimRight(string(elem.Value), "\x00 ")
}

func (d *messageDecoder) getUInt16(t Tag, optional isOptionalElement) uint16 {
	elem := d.findElement(t, optional)
	if elem == nil {
		return 0
	}
	if len(elem.Value) < 2 {
		d.setError(fmt.Errorf("dimse: element %v too short for uint16", t))
		return 0
	}
	return binary.LittleEndian.Uint16(elem.Value)
}

func (d *messageDecoder) getStatus() (s Status) {
	s.Status = StatusCode(d.getUInt16(TagStatus, requiredElement))
	s.ErrorComment = d.getString(TagErrorComment, optionalElement)
	return s
}

// EncodeMessage serializes one command: a fresh CommandGroupLength element
// followed by the message elements. Commands are always encoded implicit
// VR little endian regardless of the association's transfer syntaxes.
// P3.7 6.3.1.
func EncodeMessage(e *dicomio.Encoder, v Message) {
	subEncoder := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	v.Encode(subEncoder)
	if err := subEncoder.Error(); err != nil {
		e.SetError(err)
		return
	}
	bytes := subEncoder.Bytes()
	e.PushTransferSyntax(binary.LittleEndian, dicomio.ImplicitVR)
	defer e.PopTransferSyntax()
	encodeField(e, TagCommandGroupLength, uint32(len(bytes)))
	e.WriteBytes(bytes)
}

// ReadMessage decodes one command from reassembled command fragments.
func ReadMessage(d *dicomio.Decoder) Message {
	d.PushTransferSyntax(binary.LittleEndian, dicomio.ImplicitVR)
	defer d.PopTransferSyntax()
	var elems []*Element
	for d.Len() > 0 {
		elem := readRawElement(d)
		if d.Error() != nil {
			return nil
		}
		// The group length is recomputed on encode; carrying it through
		// Extra would duplicate it.
		if elem.Tag == TagCommandGroupLength {
			continue
		}
		elems = append(elems, elem)
	}
	mdec := messageDecoder{elems: elems, parsed: make([]bool, len(elems))}
	commandField := mdec.getUInt16(TagCommandField, requiredElement)
	if mdec.err != nil {
		d.SetError(mdec.err)
		return nil
	}
	v := decodeMessageForType(&mdec, commandField)
	if mdec.err != nil {
		d.SetError(mdec.err)
		return nil
	}
	return v
}

// CommandAssembler reassembles a command message and its data payload from
// a sequence of P_DATA_TF PDUs. All fragments of one command must arrive
// on the same presentation context.
type CommandAssembler struct {
	contextID      byte
	commandBytes   []byte
	command        Message
	dataBytes      []byte
	readAllCommand bool

	readAllData bool
}

// AddDataPDU ingests one P_DATA_TF. Once the final fragment arrives it
// returns <contextID, command, data, nil> and resets for the next command.
// While more fragments are expected it returns <0, nil, nil, nil>. A PDU
// with no items is a no-op.
func (a *CommandAssembler) AddDataPDU(p *pdu.P_DATA_TF) (byte, Message, []byte, error) {
	for _, item := range p.Items {
		if a.contextID == 0 {
			a.contextID = item.ContextID
		} else if a.contextID != item.ContextID {
			return 0, nil, nil, fmt.Errorf("dimse: mixed presentation contexts: %d %d", a.contextID, item.ContextID)
		}
		if item.Command {
			if a.readAllCommand {
				return 0, nil, nil, fmt.Errorf("dimse: command fragment after the one with the Last bit set")
			}
			a.commandBytes = append(a.commandBytes, item.Value...)
			if item.Last {
				a.readAllCommand = true
			}
		} else {
			if a.readAllData {
				return 0, nil, nil, fmt.Errorf("dimse: data fragment after the one with the Last bit set")
			}
			a.dataBytes = append(a.dataBytes, item.Value...)
			if item.Last {
				a.readAllData = true
			}
		}
	}
	if !a.readAllCommand {
		return 0, nil, nil, nil
	}
	if a.command == nil {
		d := dicomio.NewBytesDecoder(a.commandBytes, binary.LittleEndian, dicomio.ImplicitVR)
		a.command = ReadMessage(d)
		if err := d.Finish(); err != nil {
			return 0, nil, nil, err
		}
		if a.command == nil {
			return 0, nil, nil, fmt.Errorf("dimse: empty command")
		}
	}
	if a.command.HasData() && !a.readAllData {
		return 0, nil, nil, nil
	}
	contextID := a.contextID
	command := a.command
	dataBytes := a.dataBytes
	*a = CommandAssembler{}
	return contextID, command, dataBytes, nil
}

var nextMessageID = uint32(122)

// NewMessageID returns a message ID unique within the process. Zero is
// skipped; some peers treat it as unset.
func NewMessageID() uint16 {
	for {
		if id := uint16(atomic.AddUint32(&nextMessageID, 1)); id != 0 {
			return id
		}
	}
}

// SeedMessageID resets the counter so the next NewMessageID returns start.
// Message IDs only have to be unique within one association; seeding exists
// for operators who want predictable IDs in wire captures.
func SeedMessageID(start uint16) {
	atomic.StoreUint32(&nextMessageID, uint32(start)-1)
}
