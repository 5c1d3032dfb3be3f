// Package part10 reads and writes the DICOM file envelope: the 128-byte
// preamble, the "DICM" magic, and the group-0002 file meta elements that
// carry the transfer syntax of the dataset that follows. Dataset bytes are
// never reencoded; callers get and give them verbatim.
package part10

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"github.com/yasushi-saito/go-dicom/dicomuid"
)

// Published for this implementation in A-ASSOCIATE user information and in
// synthesized file meta.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.9.7133.2.1"
	ImplementationVersionName = "DCMNODE_1_0"
)

// ErrNotPart10 is reported when bytes lack the preamble+DICM envelope.
var ErrNotPart10 = errors.New("not a part10 file (missing DICM magic)")

const (
	preambleSize = 128
	magic        = "DICM"
)

// Meta holds the group-0002 elements this package cares about. Unlisted
// meta elements are parsed and dropped.
type Meta struct {
	TransferSyntaxUID          string
	MediaStorageSOPClassUID    string
	MediaStorageSOPInstanceUID string
	ImplementationClassUID     string
	ImplementationVersionName  string
}

// Detect reports whether data starts with the part10 envelope.
func Detect(data []byte) bool {
	return len(data) >= preambleSize+4 && string(data[preambleSize:preambleSize+4]) == magic
}

// Split parses the file meta group and returns it along with the dataset
// bytes that follow, untouched. Returns ErrNotPart10 when the envelope is
// missing.
func Split(data []byte) (Meta, []byte, error) {
	if !Detect(data) {
		return Meta{}, nil, ErrNotPart10
	}
	d := dicomio.NewBytesDecoder(data, binary.LittleEndian, dicomio.ExplicitVR)
	d.Skip(preambleSize + 4)
	group, elem, _, value := readMetaElement(d)
	if d.Error() != nil {
		return Meta{}, nil, errors.Wrap(d.Error(), "part10: reading meta group length")
	}
	if group != 0x0002 || elem != 0x0000 || len(value) != 4 {
		return Meta{}, nil, errors.New("part10: file meta does not start with (0002,0000)")
	}
	metaLen := binary.LittleEndian.Uint32(value)

	var meta Meta
	d.PushLimit(int64(metaLen))
	for d.Len() > 0 && d.Error() == nil {
		group, elem, _, value := readMetaElement(d)
		if d.Error() != nil {
			break
		}
		if group != 0x0002 {
			d.SetError(fmt.Errorf("part10: element (%04x,%04x) inside file meta group", group, elem))
			break
		}
		switch elem {
		case 0x0002:
			meta.MediaStorageSOPClassUID = trimUID(value)
		case 0x0003:
			meta.MediaStorageSOPInstanceUID = trimUID(value)
		case 0x0010:
			meta.TransferSyntaxUID = trimUID(value)
		case 0x0012:
			meta.ImplementationClassUID = trimUID(value)
		case 0x0013:
			meta.ImplementationVersionName = trimText(value)
		}
	}
	d.PopLimit()
	if d.Error() != nil {
		return Meta{}, nil, errors.Wrap(d.Error(), "part10: reading file meta group")
	}
	if meta.TransferSyntaxUID == "" {
		return Meta{}, nil, errors.New("part10: file meta lacks TransferSyntaxUID (0002,0010)")
	}
	// 12 bytes for the (0002,0000) element itself.
	offset := preambleSize + 4 + 12 + int(metaLen)
	if offset > len(data) {
		return Meta{}, nil, errors.New("part10: file meta group length past end of file")
	}
	return meta, data[offset:], nil
}

// Encode builds a complete part10 file around dataset, which must be encoded
// in meta.TransferSyntaxUID already. Missing implementation fields are filled
// with this package's constants.
func Encode(meta Meta, dataset []byte) ([]byte, error) {
	if meta.TransferSyntaxUID == "" {
		return nil, errors.New("part10: TransferSyntaxUID must be set")
	}
	if meta.ImplementationClassUID == "" {
		meta.ImplementationClassUID = ImplementationClassUID
	}
	if meta.ImplementationVersionName == "" {
		meta.ImplementationVersionName = ImplementationVersionName
	}
	subEncoder := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ExplicitVR)
	writeMetaElement(subEncoder, 0x0001, "OB", []byte{0x00, 0x01})
	writeMetaElement(subEncoder, 0x0002, "UI", padUID(meta.MediaStorageSOPClassUID))
	writeMetaElement(subEncoder, 0x0003, "UI", padUID(meta.MediaStorageSOPInstanceUID))
	writeMetaElement(subEncoder, 0x0010, "UI", padUID(meta.TransferSyntaxUID))
	writeMetaElement(subEncoder, 0x0012, "UI", padUID(meta.ImplementationClassUID))
	writeMetaElement(subEncoder, 0x0013, "SH", padText(meta.ImplementationVersionName))
	if err := subEncoder.Error(); err != nil {
		return nil, err
	}
	group := subEncoder.Bytes()
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ExplicitVR)
	e.WriteZeros(preambleSize)
	e.WriteString(magic)
	groupLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLen, uint32(len(group)))
	writeMetaElement(e, 0x0000, "UL", groupLen)
	e.WriteBytes(group)
	e.WriteBytes(dataset)
	if err := e.Error(); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// SniffTransferSyntax guesses the encoding of a bare dataset: explicit VR
// little endian when the first element carries a well-formed VR, implicit
// VR little endian otherwise.
func SniffTransferSyntax(dataset []byte) (string, error) {
	if len(dataset) < 8 {
		return "", errors.New("part10: dataset too short to classify")
	}
	if isVR(string(dataset[4:6])) {
		return dicomuid.ExplicitVRLittleEndian, nil
	}
	return dicomuid.ImplicitVRLittleEndian, nil
}

// Explicit VR little endian element. VRs OB/OW/OF/SQ/UT/UN use the long
// form with two reserved bytes.
func readMetaElement(d *dicomio.Decoder) (group, elem uint16, vr string, value []byte) {
	group = d.ReadUInt16()
	elem = d.ReadUInt16()
	vr = d.ReadString(2)
	var length uint32
	switch vr {
	case "OB", "OW", "OF", "SQ", "UT", "UN":
		d.Skip(2)
		length = d.ReadUInt32()
	default:
		length = uint32(d.ReadUInt16())
	}
	if d.Error() != nil {
		return 0, 0, "", nil
	}
	if int64(length) > d.Len() {
		d.SetError(fmt.Errorf("part10: element (%04x,%04x) length %d exceeds remaining %d bytes",
			group, elem, length, d.Len()))
		return 0, 0, "", nil
	}
	value = d.ReadBytes(int(length))
	return group, elem, vr, value
}

func writeMetaElement(e *dicomio.Encoder, elem uint16, vr string, value []byte) {
	e.WriteUInt16(0x0002)
	e.WriteUInt16(elem)
	e.WriteString(vr)
	switch vr {
	case "OB", "OW", "OF", "SQ", "UT", "UN":
		e.WriteZeros(2)
		e.WriteUInt32(uint32(len(value)))
	default:
		if len(value) > 0xffff {
			e.SetError(fmt.Errorf("part10: meta element (0002,%04x) too large: %d bytes", elem, len(value)))
			return
		}
		e.WriteUInt16(uint16(len(value)))
	}
	e.WriteBytes(value)
}

// UI values pad to even length with NUL, text VRs with space.
func padUID(s string) []byte {
	b := []byte(s)
	if len(b)%2 == 1 {
		b = append(b, 0)
	}
	return b
}

func padText(s string) []byte {
	b := []byte(s)
	if len(b)%2 == 1 {
		b = append(b, ' ')
	}
	return b
}

func trimUID(b []byte) string {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

func trimText(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == 0) {
		b = b[:len(b)-1]
	}
	return string(b)
}

var vrNames = map[string]bool{
	"AE": true, "AS": true, "AT": true, "CS": true, "DA": true, "DS": true,
	"DT": true, "FL": true, "FD": true, "IS": true, "LO": true, "LT": true,
	"OB": true, "OD": true, "OF": true, "OW": true, "PN": true, "SH": true,
	"SL": true, "SQ": true, "SS": true, "ST": true, "TM": true, "UC": true,
	"UI": true, "UL": true, "UN": true, "UR": true, "US": true, "UT": true,
}

func isVR(s string) bool {
	return vrNames[s]
}
