package dimse_test

import (
	"encoding/binary"
	"testing"

	"github.com/dcmnode/dcmnode/dimse"
	"github.com/yasushi-saito/go-dicom/dicomio"
)

// FuzzReadMessage decodes arbitrary bytes as a DIMSE command. Malformed
// input must surface as a decoder error, not a panic.
func FuzzReadMessage(f *testing.F) {
	seed := func(v dimse.Message) {
		e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
		dimse.EncodeMessage(e, v)
		if err := e.Error(); err != nil {
			f.Fatal(err)
		}
		f.Add(e.Bytes())
	}
	seed(&dimse.C_ECHO_RQ{MessageID: 7, CommandDataSetType: dimse.CommandDataSetTypeNull})
	seed(&dimse.C_STORE_RQ{
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		MessageID:              0x1234,
		CommandDataSetType:     dimse.CommandDataSetTypeNonNull,
		AffectedSOPInstanceUID: "1.2.3.4",
	})
	seed(&dimse.C_STORE_RSP{
		AffectedSOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
		MessageIDBeingRespondedTo: 0x1234,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		AffectedSOPInstanceUID:    "1.2.3.4",
		Status: dimse.Status{
			Status:       dimse.CStoreStatusCannotUnderstand,
			ErrorComment: "parse failed",
		},
	})
	f.Add([]byte{})
	f.Add([]byte{0x00, 0x00, 0x00, 0x01, 0xff, 0xff, 0xff, 0xff})

	f.Fuzz(func(t *testing.T, data []byte) {
		d := dicomio.NewBytesDecoder(data, binary.LittleEndian, dicomio.ImplicitVR)
		v := dimse.ReadMessage(d)
		if err := d.Finish(); err != nil {
			return
		}
		if v == nil {
			return
		}
		// Reencode what was accepted.
		e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
		dimse.EncodeMessage(e, v)
		if err := e.Error(); err != nil {
			t.Fatalf("decoded %v but reencode failed: %v", v, err)
		}
	})
}
