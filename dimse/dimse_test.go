package dimse_test

import (
	"encoding/binary"
	"testing"

	"github.com/dcmnode/dcmnode/dimse"
	"github.com/dcmnode/dcmnode/pdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yasushi-saito/go-dicom/dicomio"
)

func encodeMessage(t *testing.T, v dimse.Message) []byte {
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	dimse.EncodeMessage(e, v)
	if err := e.Error(); err != nil {
		t.Fatal(err)
	}
	return e.Bytes()
}

func testDIMSE(t *testing.T, v dimse.Message) {
	bytes := encodeMessage(t, v)
	d := dicomio.NewBytesDecoder(bytes, binary.LittleEndian, dicomio.ImplicitVR)
	v2 := dimse.ReadMessage(d)
	err := d.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != v2.String() {
		t.Errorf("%v <-> %v", v, v2)
	}
}

func TestCStoreRq(t *testing.T) {
	testDIMSE(t, &dimse.C_STORE_RQ{
		AffectedSOPClassUID:                  "1.2.3",
		MessageID:                            0x1234,
		Priority:                             0,
		CommandDataSetType:                   dimse.CommandDataSetTypeNonNull,
		AffectedSOPInstanceUID:               "3.4.5",
		MoveOriginatorApplicationEntityTitle: "foohah",
		MoveOriginatorMessageID:              0x3456,
	})
}

func TestCStoreRsp(t *testing.T) {
	testDIMSE(t, &dimse.C_STORE_RSP{
		AffectedSOPClassUID:       "1.2.3",
		MessageIDBeingRespondedTo: 0x1234,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		AffectedSOPInstanceUID:    "3.4.5",
		Status:                    dimse.Status{Status: dimse.CStoreStatusOutOfResources},
	})
}

func TestCStoreRspErrorComment(t *testing.T) {
	testDIMSE(t, &dimse.C_STORE_RSP{
		AffectedSOPClassUID:       "1.2.3",
		MessageIDBeingRespondedTo: 7,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		AffectedSOPInstanceUID:    "3.4.5",
		Status: dimse.Status{
			Status:       dimse.CStoreStatusCannotUnderstand,
			ErrorComment: "parse failed",
		},
	})
}

func TestCEchoRq(t *testing.T) {
	testDIMSE(t, &dimse.C_ECHO_RQ{
		MessageID:          0x1234,
		CommandDataSetType: dimse.CommandDataSetTypeNull,
	})
}

func TestCEchoRsp(t *testing.T) {
	testDIMSE(t, &dimse.C_ECHO_RSP{
		MessageIDBeingRespondedTo: 0x1234,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		Status:                    dimse.Success,
	})
}

// The encoded command must start with a CommandGroupLength element covering
// everything that follows, in implicit VR little endian.
func TestCommandGroupLengthPrefix(t *testing.T) {
	bytes := encodeMessage(t, &dimse.C_ECHO_RQ{
		MessageID:          1,
		CommandDataSetType: dimse.CommandDataSetTypeNull,
	})
	require.True(t, len(bytes) > 12)
	assert.Equal(t, uint16(0), binary.LittleEndian.Uint16(bytes[0:2]))
	assert.Equal(t, uint16(0), binary.LittleEndian.Uint16(bytes[2:4]))
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(bytes[4:8]))
	groupLength := binary.LittleEndian.Uint32(bytes[8:12])
	assert.Equal(t, uint32(len(bytes)-12), groupLength)
}

func TestStatusClass(t *testing.T) {
	for _, tc := range []struct {
		code dimse.StatusCode
		want dimse.StatusClass
	}{
		{0x0000, dimse.StatusClassSuccess},
		{0x0001, dimse.StatusClassWarning},
		{0x0107, dimse.StatusClassWarning},
		{0x0116, dimse.StatusClassWarning},
		{0xb000, dimse.StatusClassWarning},
		{0xb7ff, dimse.StatusClassWarning},
		{0xbfff, dimse.StatusClassWarning},
		{0xff00, dimse.StatusClassPending},
		{0xff01, dimse.StatusClassPending},
		{0xfe00, dimse.StatusClassCancelled},
		{0x0112, dimse.StatusClassFailure},
		{0xa700, dimse.StatusClassFailure},
		{0xa900, dimse.StatusClassFailure},
		{0xc000, dimse.StatusClassFailure},
	} {
		assert.Equal(t, tc.want, tc.code.Class(), "status 0x%04x", uint16(tc.code))
	}
}

func chunk(data []byte, contextID byte, command bool, n int) []pdu.PresentationDataValueItem {
	var items []pdu.PresentationDataValueItem
	size := (len(data) + n - 1) / n
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		items = append(items, pdu.PresentationDataValueItem{
			ContextID: contextID,
			Command:   command,
			Last:      end == len(data),
			Value:     data[i:end],
		})
	}
	return items
}

func TestAssemblerFragmented(t *testing.T) {
	commandBytes := encodeMessage(t, &dimse.C_STORE_RQ{
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		MessageID:              5,
		CommandDataSetType:     dimse.CommandDataSetTypeNonNull,
		AffectedSOPInstanceUID: "1.2.3.4",
	})
	dataBytes := make([]byte, 999)
	for i := range dataBytes {
		dataBytes[i] = byte(i)
	}

	var a dimse.CommandAssembler
	var pdus []*pdu.P_DATA_TF
	for _, item := range chunk(commandBytes, 3, true, 2) {
		pdus = append(pdus, &pdu.P_DATA_TF{Items: []pdu.PresentationDataValueItem{item}})
	}
	for _, item := range chunk(dataBytes, 3, false, 3) {
		pdus = append(pdus, &pdu.P_DATA_TF{Items: []pdu.PresentationDataValueItem{item}})
	}
	for i, p := range pdus[:len(pdus)-1] {
		contextID, command, _, err := a.AddDataPDU(p)
		require.NoError(t, err, "pdu %d", i)
		require.Nil(t, command, "pdu %d", i)
		require.Equal(t, byte(0), contextID, "pdu %d", i)
	}
	contextID, command, data, err := a.AddDataPDU(pdus[len(pdus)-1])
	require.NoError(t, err)
	require.NotNil(t, command)
	assert.Equal(t, byte(3), contextID)
	assert.Equal(t, dataBytes, data)
	rq, ok := command.(*dimse.C_STORE_RQ)
	require.True(t, ok)
	assert.Equal(t, uint16(5), rq.MessageID)
	assert.Equal(t, "1.2.3.4", rq.AffectedSOPInstanceUID)
}

// A command without a data set completes as soon as the last command
// fragment arrives, and the assembler resets for the next command.
func TestAssemblerReset(t *testing.T) {
	var a dimse.CommandAssembler
	for id := uint16(1); id <= 2; id++ {
		commandBytes := encodeMessage(t, &dimse.C_ECHO_RQ{
			MessageID:          id,
			CommandDataSetType: dimse.CommandDataSetTypeNull,
		})
		contextID, command, data, err := a.AddDataPDU(&pdu.P_DATA_TF{
			Items: []pdu.PresentationDataValueItem{
				{ContextID: 1, Command: true, Last: true, Value: commandBytes},
			},
		})
		require.NoError(t, err)
		require.NotNil(t, command)
		assert.Equal(t, byte(1), contextID)
		assert.Empty(t, data)
		assert.Equal(t, id, command.GetMessageID())
	}
}

func TestAssemblerEmptyPDU(t *testing.T) {
	var a dimse.CommandAssembler
	contextID, command, data, err := a.AddDataPDU(&pdu.P_DATA_TF{})
	require.NoError(t, err)
	assert.Equal(t, byte(0), contextID)
	assert.Nil(t, command)
	assert.Nil(t, data)
}

func TestAssemblerMixedContext(t *testing.T) {
	var a dimse.CommandAssembler
	_, _, _, err := a.AddDataPDU(&pdu.P_DATA_TF{
		Items: []pdu.PresentationDataValueItem{
			{ContextID: 1, Command: true, Last: false, Value: []byte{1, 2}},
			{ContextID: 3, Command: true, Last: true, Value: []byte{3, 4}},
		},
	})
	assert.Error(t, err)
}

func TestAssemblerDuplicateLast(t *testing.T) {
	commandBytes := encodeMessage(t, &dimse.C_STORE_RQ{
		AffectedSOPClassUID:    "1.2",
		MessageID:              1,
		CommandDataSetType:     dimse.CommandDataSetTypeNonNull,
		AffectedSOPInstanceUID: "1.3",
	})
	var a dimse.CommandAssembler
	_, _, _, err := a.AddDataPDU(&pdu.P_DATA_TF{
		Items: []pdu.PresentationDataValueItem{
			{ContextID: 1, Command: true, Last: true, Value: commandBytes},
		},
	})
	require.NoError(t, err)
	_, _, _, err = a.AddDataPDU(&pdu.P_DATA_TF{
		Items: []pdu.PresentationDataValueItem{
			{ContextID: 1, Command: true, Last: true, Value: commandBytes},
		},
	})
	assert.Error(t, err)
}
