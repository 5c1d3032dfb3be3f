package dcmnode_test

import (
	"bytes"
	"testing"

	"github.com/dcmnode/dcmnode"
	"github.com/dcmnode/dcmnode/dimse"
	"github.com/dcmnode/dcmnode/sopclass"
	"github.com/stretchr/testify/require"
	"github.com/yasushi-saito/go-dicom/dicomuid"
)

// FuzzAssociationFaults runs a loopback C-STORE while severing the
// connection at fuzz-chosen PDU send boundaries, on either side. Every user
// API call must return, with an error when the association died under it;
// nothing may panic or wedge.
func FuzzAssociationFaults(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0x00})
	// Sever on the very first send: the user loses A-ASSOCIATE-RQ.
	f.Add([]byte{0xe8})
	// Survive the handshake, then cut a data PDU.
	f.Add([]byte{0x00, 0x00, 0x00, 0xff})
	f.Add([]byte{0x20, 0xe9, 0x41, 0x00, 0xf0, 0x07})
	f.Add(bytes.Repeat([]byte{0x10}, 32))

	f.Fuzz(func(t *testing.T, data []byte) {
		dcmnode.SetUserFaultInjector(dcmnode.NewFaultInjector(data))
		dcmnode.SetProviderFaultInjector(dcmnode.NewFaultInjector(data))
		defer func() {
			dcmnode.SetUserFaultInjector(nil)
			dcmnode.SetProviderFaultInjector(nil)
		}()

		// A small PDU size forces the dataset into several P-DATA PDUs, so
		// the injector sees send boundaries past the handshake.
		addr := startProvider(t, dcmnode.ServiceProviderParams{
			MaxPDUSize: 4096,
			CStore: func(dcmnode.ConnectionState, string, string, string, []byte) dimse.Status {
				return dimse.Success
			},
		})
		params, err := dcmnode.NewServiceUserParams(
			"TEST-SCP", "TEST-SCU", sopclass.StorageClasses,
			[]string{dicomuid.ImplicitVRLittleEndian})
		require.NoError(t, err)
		su := dcmnode.NewServiceUser(params)
		su.Connect(addr)
		contexts, err := su.WaitContexts()
		if err != nil {
			su.Abort()
			return
		}
		pc, err := dcmnode.FindAcceptedContext(contexts, ctImageStorage, "")
		if err != nil {
			su.Release()
			return
		}
		if _, err := su.CStore(pc, "1.2.3.300", fakeDataset(16 << 10)); err != nil {
			su.Abort()
			return
		}
		su.Release()
	})
}
