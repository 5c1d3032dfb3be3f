package dcmnode_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dcmnode/dcmnode"
	"github.com/dcmnode/dcmnode/dimse"
	"github.com/dcmnode/dcmnode/pdu"
	"github.com/dcmnode/dcmnode/sopclass"
	"v.io/x/lib/vlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"github.com/yasushi-saito/go-dicom/dicomuid"
)

const (
	ctImageStorage = "1.2.840.10008.5.1.4.1.1.2"
	mrImageStorage = "1.2.840.10008.5.1.4.1.1.4"
)

func startProvider(t *testing.T, params dcmnode.ServiceProviderParams) string {
	t.Helper()
	params.ListenAddr = ":0"
	sp := dcmnode.NewServiceProvider(params)
	require.NoError(t, sp.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	go sp.Run(ctx)
	t.Cleanup(cancel)
	return sp.Addr().String()
}

// storeRecorder collects what the provider-side C-STORE callback received.
type storeRecorder struct {
	mu                sync.Mutex
	byInstance        map[string][]byte
	transferSyntaxUID string
	sopClassUID       string
	connState         dcmnode.ConnectionState
}

func newStoreRecorder() *storeRecorder {
	return &storeRecorder{byInstance: make(map[string][]byte)}
}

func (r *storeRecorder) onCStore(
	connState dcmnode.ConnectionState,
	transferSyntaxUID string,
	sopClassUID string,
	sopInstanceUID string,
	data []byte) dimse.Status {
	vlog.Infof("C-STORE handler: transfersyntax=%s, sopclass=%s, sopinstance=%s, %d bytes",
		dicomuid.UIDString(transferSyntaxUID),
		dicomuid.UIDString(sopClassUID),
		dicomuid.UIDString(sopInstanceUID),
		len(data))
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	r.byInstance[sopInstanceUID] = stored
	r.transferSyntaxUID = transferSyntaxUID
	r.sopClassUID = sopClassUID
	r.connState = connState
	return dimse.Success
}

func (r *storeRecorder) get(sopInstanceUID string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byInstance[sopInstanceUID]
}

func fakeDataset(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestCEcho(t *testing.T) {
	var mu sync.Mutex
	var echoCount int
	var gotState dcmnode.ConnectionState
	addr := startProvider(t, dcmnode.ServiceProviderParams{
		CEcho: func(connState dcmnode.ConnectionState) dimse.Status {
			mu.Lock()
			defer mu.Unlock()
			echoCount++
			gotState = connState
			return dimse.Success
		},
	})
	params, err := dcmnode.NewServiceUserParams(
		"TEST-SCP", "TEST-SCU", sopclass.VerificationClasses, nil)
	require.NoError(t, err)
	su := dcmnode.NewServiceUser(params)
	su.Connect(addr)
	dimse.SeedMessageID(7)
	require.NoError(t, su.CEcho())
	su.Release()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, echoCount)
	assert.Equal(t, "TEST-SCP", gotState.CalledAETitle)
	assert.Equal(t, "TEST-SCU", gotState.CallingAETitle)
	assert.Nil(t, gotState.UserIdentity)
}

func TestCStoreRoundTrip(t *testing.T) {
	recorder := newStoreRecorder()
	addr := startProvider(t, dcmnode.ServiceProviderParams{
		CStore: recorder.onCStore,
	})
	params, err := dcmnode.NewServiceUserParams(
		"TEST-SCP", "TEST-SCU", sopclass.StorageClasses,
		[]string{dicomuid.ExplicitVRLittleEndian})
	require.NoError(t, err)
	su := dcmnode.NewServiceUser(params)
	su.Connect(addr)
	contexts, err := su.WaitContexts()
	require.NoError(t, err)
	pc, err := dcmnode.FindAcceptedContext(contexts, ctImageStorage, "")
	require.NoError(t, err)
	assert.Equal(t, dicomuid.ExplicitVRLittleEndian, pc.TransferSyntaxUID)

	for i, sopInstanceUID := range []string{"1.2.3.100", "1.2.3.101", "1.2.3.102"} {
		data := fakeDataset(500 + i)
		status, err := su.CStore(pc, sopInstanceUID, data)
		require.NoError(t, err)
		assert.Equal(t, dimse.StatusSuccess, status.Status)
		assert.True(t, bytes.Equal(data, recorder.get(sopInstanceUID)))
	}
	su.Release()
	assert.Equal(t, dicomuid.ExplicitVRLittleEndian, recorder.transferSyntaxUID)
	assert.Equal(t, ctImageStorage, recorder.sopClassUID)
	assert.Equal(t, "TEST-SCU", recorder.connState.CallingAETitle)
}

// countingConn counts outbound P-DATA-TF PDUs. Each PDU is written in one
// Write call, and its first byte is the PDU type.
type countingConn struct {
	net.Conn
	pdataWrites int32
}

func (c *countingConn) Write(b []byte) (int, error) {
	if len(b) > 0 && b[0] == 4 {
		atomic.AddInt32(&c.pdataWrites, 1)
	}
	return c.Conn.Write(b)
}

func TestCStoreFragmentation(t *testing.T) {
	const maxPDU = 8192
	recorder := newStoreRecorder()
	addr := startProvider(t, dcmnode.ServiceProviderParams{
		MaxPDUSize: maxPDU,
		CStore:     recorder.onCStore,
	})
	params, err := dcmnode.NewServiceUserParams(
		"TEST-SCP", "TEST-SCU", sopclass.StorageClasses,
		[]string{dicomuid.ExplicitVRLittleEndian})
	require.NoError(t, err)
	su := dcmnode.NewServiceUser(params)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	cc := &countingConn{Conn: conn}
	su.SetConn(cc)
	contexts, err := su.WaitContexts()
	require.NoError(t, err)
	pc, err := dcmnode.FindAcceptedContext(contexts, ctImageStorage, "")
	require.NoError(t, err)

	data := fakeDataset(5 * maxPDU)
	status, err := su.CStore(pc, "1.2.3.200", data)
	require.NoError(t, err)
	assert.Equal(t, dimse.StatusSuccess, status.Status)
	su.Release()

	assert.True(t, bytes.Equal(data, recorder.get("1.2.3.200")))
	// 40960B of dataset at 8180B per fragment needs 6 data PDUs, plus one
	// for the command.
	assert.GreaterOrEqual(t, atomic.LoadInt32(&cc.pdataWrites), int32(6))
}

func TestNegotiationPolicy(t *testing.T) {
	addr := startProvider(t, dcmnode.ServiceProviderParams{
		Acceptor: dcmnode.AcceptorPolicy{
			AbstractSyntaxes: []string{ctImageStorage},
			TransferSyntaxes: []string{dicomuid.ExplicitVRLittleEndian},
		},
	})
	su := dcmnode.NewServiceUser(dcmnode.ServiceUserParams{
		CalledAETitle:  "TEST-SCP",
		CallingAETitle: "TEST-SCU",
		Proposals: []dcmnode.ProposedContext{
			// Accepted; the acceptor prefers explicit even though the
			// peer lists implicit first.
			{
				AbstractSyntaxUID:  ctImageStorage,
				TransferSyntaxUIDs: []string{dicomuid.ImplicitVRLittleEndian, dicomuid.ExplicitVRLittleEndian},
			},
			// Wrong abstract syntax.
			{
				AbstractSyntaxUID:  mrImageStorage,
				TransferSyntaxUIDs: []string{dicomuid.ExplicitVRLittleEndian},
			},
			// Right abstract syntax, no acceptable transfer syntax.
			{
				AbstractSyntaxUID:  ctImageStorage,
				TransferSyntaxUIDs: []string{dicomuid.ImplicitVRLittleEndian},
			},
		},
	})
	su.Connect(addr)
	contexts, err := su.WaitContexts()
	require.NoError(t, err)
	require.Len(t, contexts, 3)

	assert.EqualValues(t, 1, contexts[0].ID)
	assert.True(t, contexts[0].Accepted())
	assert.Equal(t, dicomuid.ExplicitVRLittleEndian, contexts[0].TransferSyntaxUID)

	assert.EqualValues(t, 3, contexts[1].ID)
	assert.Equal(t, pdu.PresentationContextProviderRejectionAbstractSyntaxNotSupported, contexts[1].Result)
	assert.Empty(t, contexts[1].TransferSyntaxUID)

	assert.EqualValues(t, 5, contexts[2].ID)
	assert.Equal(t, pdu.PresentationContextProviderRejectionTransferSyntaxNotSupported, contexts[2].Result)
	su.Release()
}

func TestZeroAcceptedContexts(t *testing.T) {
	addr := startProvider(t, dcmnode.ServiceProviderParams{
		Acceptor: dcmnode.AcceptorPolicy{
			AbstractSyntaxes: []string{"1.2.3.4.5"},
		},
	})
	params, err := dcmnode.NewServiceUserParams(
		"TEST-SCP", "TEST-SCU", sopclass.VerificationClasses, nil)
	require.NoError(t, err)
	su := dcmnode.NewServiceUser(params)
	su.Connect(addr)
	// The association is established even with every context rejected.
	contexts, err := su.WaitContexts()
	require.NoError(t, err)
	require.Len(t, contexts, 1)
	assert.False(t, contexts[0].Accepted())

	_, err = dcmnode.FindAcceptedContext(contexts, dicomuid.VerificationSOPClass, "")
	assert.ErrorIs(t, err, dcmnode.ErrNoPresentationContext)
	err = su.CEcho()
	assert.ErrorIs(t, err, dcmnode.ErrNoPresentationContext)
	su.Release()
}

func TestUserIdentity(t *testing.T) {
	var mu sync.Mutex
	var gotState dcmnode.ConnectionState
	addr := startProvider(t, dcmnode.ServiceProviderParams{
		CEcho: func(connState dcmnode.ConnectionState) dimse.Status {
			mu.Lock()
			defer mu.Unlock()
			gotState = connState
			return dimse.Success
		},
	})
	params, err := dcmnode.NewServiceUserParams(
		"TEST-SCP", "TEST-SCU", sopclass.VerificationClasses, nil)
	require.NoError(t, err)
	params.UserIdentity = &pdu.UserIdentityRQ{
		Type:                      pdu.UserIdentityTypeUsernamePasscode,
		PositiveResponseRequested: true,
		PrimaryField:              []byte("bob"),
		SecondaryField:            []byte("hunter2"),
	}
	su := dcmnode.NewServiceUser(params)
	su.Connect(addr)
	require.NoError(t, su.CEcho())
	su.Release()

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, gotState.UserIdentity)
	assert.EqualValues(t, pdu.UserIdentityTypeUsernamePasscode, gotState.UserIdentity.Type)
	assert.Equal(t, []byte("bob"), gotState.UserIdentity.PrimaryField)
	assert.Equal(t, []byte("hunter2"), gotState.UserIdentity.SecondaryField)
}

func TestWrongProtocolVersionRejected(t *testing.T) {
	addr := startProvider(t, dcmnode.ServiceProviderParams{})
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	data, err := pdu.EncodePDU(&pdu.A_ASSOCIATE{
		Type:            pdu.PDUTypeA_ASSOCIATE_RQ,
		ProtocolVersion: 0xffee,
		CalledAETitle:   "TEST-SCP",
		CallingAETitle:  "TEST-SCU",
		Items: []pdu.SubItem{
			&pdu.ApplicationContextItem{Name: pdu.DICOMApplicationContextItemName},
		},
	})
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	resp, err := pdu.ReadPDU(conn, dcmnode.DefaultMaxPDUSize, false)
	require.NoError(t, err)
	rj, ok := resp.(*pdu.A_ASSOCIATE_RJ)
	require.True(t, ok, "expected A-ASSOCIATE-RJ, got %v", resp)
	assert.EqualValues(t, pdu.ResultRejectedPermanent, rj.Result)
	assert.EqualValues(t, pdu.SourceULServiceProviderACSE, rj.Source)
	assert.EqualValues(t, 2, rj.Reason)
}

func TestMalformedDIMSEAborts(t *testing.T) {
	addr := startProvider(t, dcmnode.ServiceProviderParams{})
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	rq, err := pdu.EncodePDU(&pdu.A_ASSOCIATE{
		Type:            pdu.PDUTypeA_ASSOCIATE_RQ,
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   "TEST-SCP",
		CallingAETitle:  "TEST-SCU",
		Items: []pdu.SubItem{
			&pdu.ApplicationContextItem{Name: pdu.DICOMApplicationContextItemName},
			&pdu.PresentationContextItem{
				Type:      pdu.ItemTypePresentationContextRequest,
				ContextID: 1,
				Items: []pdu.SubItem{
					&pdu.AbstractSyntaxSubItem{Name: dicomuid.VerificationSOPClass},
					&pdu.TransferSyntaxSubItem{Name: dicomuid.ImplicitVRLittleEndian},
				},
			},
			&pdu.UserInformationItem{Items: []pdu.SubItem{
				&pdu.UserInformationMaximumLengthItem{MaximumLengthReceived: 16384},
			}},
		},
	})
	require.NoError(t, err)
	_, err = conn.Write(rq)
	require.NoError(t, err)
	resp, err := pdu.ReadPDU(conn, dcmnode.DefaultMaxPDUSize, false)
	require.NoError(t, err)
	_, ok := resp.(*pdu.A_ASSOCIATE)
	require.True(t, ok, "expected A-ASSOCIATE-AC, got %v", resp)

	// A command fragment that cannot possibly parse as a DIMSE message.
	garbage, err := pdu.EncodePDU(&pdu.P_DATA_TF{
		Items: []pdu.PresentationDataValueItem{
			{ContextID: 1, Command: true, Last: true, Value: []byte{0xde, 0xad, 0xbe, 0xef}},
		},
	})
	require.NoError(t, err)
	_, err = conn.Write(garbage)
	require.NoError(t, err)

	resp, err = pdu.ReadPDU(conn, dcmnode.DefaultMaxPDUSize, false)
	require.NoError(t, err)
	abort, ok := resp.(*pdu.A_ABORT)
	require.True(t, ok, "expected A-ABORT, got %v", resp)
	assert.EqualValues(t, pdu.AbortSourceServiceProvider, abort.Source)
}

// A well-formed command on a context ID the association never negotiated
// must abort the association.
func TestUnknownPresentationContextAborts(t *testing.T) {
	addr := startProvider(t, dcmnode.ServiceProviderParams{})
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	rq, err := pdu.EncodePDU(&pdu.A_ASSOCIATE{
		Type:            pdu.PDUTypeA_ASSOCIATE_RQ,
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   "TEST-SCP",
		CallingAETitle:  "TEST-SCU",
		Items: []pdu.SubItem{
			&pdu.ApplicationContextItem{Name: pdu.DICOMApplicationContextItemName},
			&pdu.PresentationContextItem{
				Type:      pdu.ItemTypePresentationContextRequest,
				ContextID: 1,
				Items: []pdu.SubItem{
					&pdu.AbstractSyntaxSubItem{Name: dicomuid.VerificationSOPClass},
					&pdu.TransferSyntaxSubItem{Name: dicomuid.ImplicitVRLittleEndian},
				},
			},
			&pdu.UserInformationItem{Items: []pdu.SubItem{
				&pdu.UserInformationMaximumLengthItem{MaximumLengthReceived: 16384},
			}},
		},
	})
	require.NoError(t, err)
	_, err = conn.Write(rq)
	require.NoError(t, err)
	resp, err := pdu.ReadPDU(conn, dcmnode.DefaultMaxPDUSize, false)
	require.NoError(t, err)
	_, ok := resp.(*pdu.A_ASSOCIATE)
	require.True(t, ok, "expected A-ASSOCIATE-AC, got %v", resp)

	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	dimse.EncodeMessage(e, &dimse.C_ECHO_RQ{
		MessageID:          1,
		CommandDataSetType: dimse.CommandDataSetTypeNull,
	})
	require.NoError(t, e.Error())
	// Context ID 3 was never proposed.
	pdata, err := pdu.EncodePDU(&pdu.P_DATA_TF{
		Items: []pdu.PresentationDataValueItem{
			{ContextID: 3, Command: true, Last: true, Value: e.Bytes()},
		},
	})
	require.NoError(t, err)
	_, err = conn.Write(pdata)
	require.NoError(t, err)

	resp, err = pdu.ReadPDU(conn, dcmnode.DefaultMaxPDUSize, false)
	require.NoError(t, err)
	abort, ok := resp.(*pdu.A_ABORT)
	require.True(t, ok, "expected A-ABORT, got %v", resp)
	assert.EqualValues(t, pdu.AbortSourceServiceProvider, abort.Source)
}

func TestAbort(t *testing.T) {
	recorder := newStoreRecorder()
	addr := startProvider(t, dcmnode.ServiceProviderParams{
		CStore: recorder.onCStore,
	})
	params, err := dcmnode.NewServiceUserParams(
		"TEST-SCP", "TEST-SCU", sopclass.VerificationClasses, nil)
	require.NoError(t, err)
	su := dcmnode.NewServiceUser(params)
	su.Connect(addr)
	require.NoError(t, su.CEcho())
	su.Abort()
	err = su.CEcho()
	assert.Error(t, err)
}

func TestReleaseThenCommand(t *testing.T) {
	addr := startProvider(t, dcmnode.ServiceProviderParams{})
	params, err := dcmnode.NewServiceUserParams(
		"TEST-SCP", "TEST-SCU", sopclass.VerificationClasses, nil)
	require.NoError(t, err)
	su := dcmnode.NewServiceUser(params)
	su.Connect(addr)
	require.NoError(t, su.CEcho())
	su.Release()
	err = su.CEcho()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "released")
}

func TestConnectFailure(t *testing.T) {
	// Grab a port that nothing listens on.
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	params, err := dcmnode.NewServiceUserParams(
		"TEST-SCP", "TEST-SCU", sopclass.VerificationClasses, nil)
	require.NoError(t, err)
	su := dcmnode.NewServiceUser(params)
	su.Connect(addr)
	_, err = su.WaitContexts()
	assert.Error(t, err)
}

func TestIdleTimeout(t *testing.T) {
	addr := startProvider(t, dcmnode.ServiceProviderParams{
		IdleTimeout: 100 * time.Millisecond,
	})
	params, err := dcmnode.NewServiceUserParams(
		"TEST-SCP", "TEST-SCU", sopclass.VerificationClasses, nil)
	require.NoError(t, err)
	su := dcmnode.NewServiceUser(params)
	su.Connect(addr)
	_, err = su.WaitContexts()
	require.NoError(t, err)
	time.Sleep(600 * time.Millisecond)
	err = su.CEcho()
	require.Error(t, err)
	assert.ErrorIs(t, err, dcmnode.ErrPeerAborted)
}
