package scu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"github.com/yasushi-saito/go-dicom/dicomuid"

	"github.com/dcmnode/dcmnode"
	"github.com/dcmnode/dcmnode/dimse"
	"github.com/dcmnode/dcmnode/part10"
	"github.com/dcmnode/dcmnode/pdu"
	"github.com/dcmnode/dcmnode/storage"
)

const (
	testMRStorage = "1.2.840.10008.5.1.4.1.1.4"
	testJPEG2000  = "1.2.840.10008.1.2.4.90"
)

type storedFile struct {
	transferSyntaxUID string
	sopClassUID       string
	sopInstanceUID    string
	data              []byte
}

// testSCP is a loopback provider that records incoming stores and answers
// with scripted statuses.
type testSCP struct {
	mu       sync.Mutex
	stored   []storedFile
	statuses map[string]dimse.Status
	echoes   int
	state    dcmnode.ConnectionState
}

func startTestSCP(t *testing.T, acceptor dcmnode.AcceptorPolicy) (*testSCP, string) {
	t.Helper()
	scp := &testSCP{statuses: map[string]dimse.Status{}}
	sp := dcmnode.NewServiceProvider(dcmnode.ServiceProviderParams{
		ListenAddr: ":0",
		AETitle:    "ANY-SCP",
		Acceptor:   acceptor,
		CStore:     scp.onCStore,
		CEcho:      scp.onCEcho,
	})
	require.NoError(t, sp.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	go sp.Run(ctx)
	t.Cleanup(cancel)
	return scp, sp.Addr().String()
}

func (s *testSCP) onCStore(connState dcmnode.ConnectionState,
	transferSyntaxUID, sopClassUID, sopInstanceUID string, data []byte) dimse.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.stored = append(s.stored, storedFile{transferSyntaxUID, sopClassUID, sopInstanceUID, stored})
	s.state = connState
	if status, ok := s.statuses[sopInstanceUID]; ok {
		return status
	}
	return dimse.Success
}

func (s *testSCP) onCEcho(connState dcmnode.ConnectionState) dimse.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echoes++
	s.state = connState
	return dimse.Success
}

func (s *testSCP) scriptStatus(sopInstanceUID string, status dimse.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[sopInstanceUID] = status
}

func (s *testSCP) files() []storedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storedFile(nil), s.stored...)
}

func (s *testSCP) byInstance(sopInstanceUID string) *storedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.stored {
		if s.stored[i].sopInstanceUID == sopInstanceUID {
			return &s.stored[i]
		}
	}
	return nil
}

func (s *testSCP) connState() dcmnode.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *testSCP) echoCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.echoes
}

// eventLog records sender events. Send returns only after every observer
// has fired, so reading the slices afterwards needs no lock.
type eventLog struct {
	mu        sync.Mutex
	started   []TransferStartedEvent
	sending   []FileSendingEvent
	sent      []FileSentEvent
	failed    []FileErrorEvent
	completed []TransferCompletedEvent
}

func (l *eventLog) events() Events {
	return Events{
		TransferStarted: func(ev TransferStartedEvent) {
			l.mu.Lock()
			l.started = append(l.started, ev)
			l.mu.Unlock()
		},
		FileSending: func(ev FileSendingEvent) {
			l.mu.Lock()
			l.sending = append(l.sending, ev)
			l.mu.Unlock()
		},
		FileSent: func(ev FileSentEvent) {
			l.mu.Lock()
			l.sent = append(l.sent, ev)
			l.mu.Unlock()
		},
		FileError: func(ev FileErrorEvent) {
			l.mu.Lock()
			l.failed = append(l.failed, ev)
			l.mu.Unlock()
		},
		TransferCompleted: func(ev TransferCompletedEvent) {
			l.mu.Lock()
			l.completed = append(l.completed, ev)
			l.mu.Unlock()
		},
	}
}

func newLoopbackSender(t *testing.T, addr string, ev Events, mutate func(*Config)) *Sender {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Addr = addr
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, nil, ev)
	require.NoError(t, err)
	return s
}

func TestSendBatch(t *testing.T) {
	scp, addr := startTestSCP(t, dcmnode.AcceptorPolicy{})
	log := &eventLog{}
	s := newLoopbackSender(t, addr, log.events(), nil)

	var sources []Source
	var datasets [][]byte
	for i := 0; i < 3; i++ {
		full := part10File(t, dicomuid.ExplicitVRLittleEndian, false, testCTStorage, fmt.Sprintf("1.2.400.%d", i))
		_, dataset, err := part10.Split(full)
		require.NoError(t, err)
		datasets = append(datasets, dataset)
		sources = append(sources, Source{Path: writeTempFile(t, full)})
	}

	stats, err := s.Send(context.Background(), sources)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Successful)
	assert.Zero(t, stats.Warnings)
	assert.Zero(t, stats.Failed)
	assert.Greater(t, stats.Duration, time.Duration(0))

	require.Len(t, scp.files(), 3)
	for i := 0; i < 3; i++ {
		f := scp.byInstance(fmt.Sprintf("1.2.400.%d", i))
		require.NotNil(t, f)
		assert.Equal(t, dicomuid.ExplicitVRLittleEndian, f.transferSyntaxUID)
		assert.Equal(t, testCTStorage, f.sopClassUID)
		assert.Equal(t, datasets[i], f.data)
	}

	assert.Equal(t, []TransferStartedEvent{{TotalFiles: 3}}, log.started)
	assert.Len(t, log.sending, 3)
	require.Len(t, log.sent, 3)
	for _, ev := range log.sent {
		assert.Equal(t, dicomuid.ExplicitVRLittleEndian, ev.TransferSyntaxUID)
		assert.Greater(t, ev.Duration, time.Duration(0))
	}
	assert.Empty(t, log.failed)
	require.Len(t, log.completed, 1)
	assert.Equal(t, *stats, log.completed[0].Stats)
}

func TestSendMixedBatchConcurrent(t *testing.T) {
	scp, addr := startTestSCP(t, dcmnode.AcceptorPolicy{})
	log := &eventLog{}
	s := newLoopbackSender(t, addr, log.events(), func(cfg *Config) { cfg.Concurrency = 4 })

	var sources []Source
	for i := 0; i < 99; i++ {
		full := part10File(t, dicomuid.ExplicitVRLittleEndian, false, testCTStorage, fmt.Sprintf("1.2.401.%d", i))
		sources = append(sources, Source{Path: writeTempFile(t, full)})
	}
	corrupt := writeTempFile(t, bytes.Repeat([]byte{0xba, 0xad}, 64))
	sources = append(sources, Source{Path: corrupt})

	stats, err := s.Send(context.Background(), sources)
	require.NoError(t, err)
	assert.Equal(t, 100, stats.Total)
	assert.Equal(t, 99, stats.Successful)
	assert.Equal(t, 1, stats.Failed)
	assert.Len(t, scp.files(), 99)
	assert.Len(t, log.sent, 99)
	require.Len(t, log.failed, 1)
	assert.Equal(t, corrupt, log.failed[0].Source.Path)
	require.Len(t, log.completed, 1)
	assert.Equal(t, *stats, log.completed[0].Stats)
}

func TestSendPeerFailureStatus(t *testing.T) {
	scp, addr := startTestSCP(t, dcmnode.AcceptorPolicy{})
	scp.scriptStatus("1.2.402.0", dimse.Status{Status: dimse.CStoreStatusOutOfResources, ErrorComment: "disk full"})
	log := &eventLog{}
	s := newLoopbackSender(t, addr, log.events(), nil)

	stats, err := s.Send(context.Background(), []Source{
		{Path: writeTempFile(t, part10File(t, dicomuid.ExplicitVRLittleEndian, false, testCTStorage, "1.2.402.0"))},
		{Path: writeTempFile(t, part10File(t, dicomuid.ExplicitVRLittleEndian, false, testCTStorage, "1.2.402.1"))},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Successful)
	assert.Equal(t, 1, stats.Failed)
	// Both reached the peer; one was refused.
	assert.Len(t, scp.files(), 2)
	require.Len(t, log.failed, 1)
	assert.Contains(t, log.failed[0].Err.Error(), "0xa700")
	assert.Contains(t, log.failed[0].Err.Error(), "disk full")
}

func TestSendFailFirstStopsBatch(t *testing.T) {
	scp, addr := startTestSCP(t, dcmnode.AcceptorPolicy{})
	for i := 0; i < 3; i++ {
		scp.scriptStatus(fmt.Sprintf("1.2.403.%d", i), dimse.Status{Status: dimse.CStoreStatusCannotUnderstand})
	}
	log := &eventLog{}
	s := newLoopbackSender(t, addr, log.events(), func(cfg *Config) { cfg.FailFirst = true })

	var sources []Source
	for i := 0; i < 3; i++ {
		full := part10File(t, dicomuid.ExplicitVRLittleEndian, false, testCTStorage, fmt.Sprintf("1.2.403.%d", i))
		sources = append(sources, Source{Path: writeTempFile(t, full)})
	}
	stats, err := s.Send(context.Background(), sources)
	require.Error(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Zero(t, stats.Successful)
	// One refusal plus two never popped.
	assert.Equal(t, 3, stats.Failed)
	assert.Len(t, scp.files(), 1)
}

func TestSendTranscodesWhenPeerInsists(t *testing.T) {
	scp, addr := startTestSCP(t, dcmnode.AcceptorPolicy{
		TransferSyntaxes: []string{dicomuid.ImplicitVRLittleEndian},
	})
	log := &eventLog{}
	s := newLoopbackSender(t, addr, log.events(), nil)

	full := part10File(t, dicomuid.ExplicitVRLittleEndian, false, testCTStorage, "1.2.404.0")
	stats, err := s.Send(context.Background(), []Source{{Path: writeTempFile(t, full)}})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Successful)

	stored := scp.byInstance("1.2.404.0")
	require.NotNil(t, stored)
	assert.Equal(t, dicomuid.ImplicitVRLittleEndian, stored.transferSyntaxUID)

	// The reencoded dataset parses as implicit VR and kept its attributes.
	reframed, err := part10.Encode(part10.Meta{
		TransferSyntaxUID:          dicomuid.ImplicitVRLittleEndian,
		MediaStorageSOPClassUID:    stored.sopClassUID,
		MediaStorageSOPInstanceUID: stored.sopInstanceUID,
	}, stored.data)
	require.NoError(t, err)
	ds, err := dicom.Parse(bytes.NewReader(reframed), int64(len(reframed)), nil)
	require.NoError(t, err)
	name, err := ds.FindElementByTag(tag.PatientName)
	require.NoError(t, err)
	assert.Equal(t, []string{"DOE^JANE"}, name.Value.GetValue())

	require.Len(t, log.sent, 1)
	assert.Equal(t, dicomuid.ImplicitVRLittleEndian, log.sent[0].TransferSyntaxUID)
}

func TestSendNeverTranscodeKeepsStoredSyntax(t *testing.T) {
	scp, addr := startTestSCP(t, dcmnode.AcceptorPolicy{})
	s := newLoopbackSender(t, addr, Events{}, func(cfg *Config) { cfg.NeverTranscode = true })

	ile := part10File(t, dicomuid.ImplicitVRLittleEndian, true, testCTStorage, "1.2.405.0")
	ele := part10File(t, dicomuid.ExplicitVRLittleEndian, false, testCTStorage, "1.2.405.1")
	stats, err := s.Send(context.Background(), []Source{
		{Path: writeTempFile(t, ile)},
		{Path: writeTempFile(t, ele)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Successful)
	assert.Equal(t, dicomuid.ImplicitVRLittleEndian, scp.byInstance("1.2.405.0").transferSyntaxUID)
	assert.Equal(t, dicomuid.ExplicitVRLittleEndian, scp.byInstance("1.2.405.1").transferSyntaxUID)
}

func TestSendNeverTranscodeNoContext(t *testing.T) {
	// Without safety nets the lone explicit VR context is refused and the
	// file has nowhere to go.
	_, addr := startTestSCP(t, dcmnode.AcceptorPolicy{
		TransferSyntaxes: []string{dicomuid.ImplicitVRLittleEndian},
	})
	log := &eventLog{}
	s := newLoopbackSender(t, addr, log.events(), func(cfg *Config) { cfg.NeverTranscode = true })

	full := part10File(t, dicomuid.ExplicitVRLittleEndian, false, testCTStorage, "1.2.406.0")
	stats, err := s.Send(context.Background(), []Source{{Path: writeTempFile(t, full)}})
	require.NoError(t, err)
	assert.Zero(t, stats.Successful)
	assert.Equal(t, 1, stats.Failed)
	require.Len(t, log.failed, 1)
	assert.True(t, errors.Is(log.failed[0].Err, dcmnode.ErrNoPresentationContext))
}

func TestSendNeverTranscodeSharedContextSwap(t *testing.T) {
	// An implicit VR file in the batch contributes the context the
	// explicit VR file falls back to; the swap is codec-free.
	scp, addr := startTestSCP(t, dcmnode.AcceptorPolicy{
		TransferSyntaxes: []string{dicomuid.ImplicitVRLittleEndian},
	})
	s := newLoopbackSender(t, addr, Events{}, func(cfg *Config) { cfg.NeverTranscode = true })

	ile := part10File(t, dicomuid.ImplicitVRLittleEndian, true, testCTStorage, "1.2.407.0")
	ele := part10File(t, dicomuid.ExplicitVRLittleEndian, false, testCTStorage, "1.2.407.1")
	stats, err := s.Send(context.Background(), []Source{
		{Path: writeTempFile(t, ile)},
		{Path: writeTempFile(t, ele)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Successful)
	assert.Equal(t, dicomuid.ImplicitVRLittleEndian, scp.byInstance("1.2.407.1").transferSyntaxUID)
}

func TestSendBackendKeys(t *testing.T) {
	scp, addr := startTestSCP(t, dcmnode.AcceptorPolicy{})
	backend := storage.NewFilesystem(t.TempDir())
	for i := 0; i < 2; i++ {
		full := part10File(t, dicomuid.ExplicitVRLittleEndian, false, testCTStorage, fmt.Sprintf("1.2.408.%d", i))
		require.NoError(t, backend.Put(context.Background(), fmt.Sprintf("study/series/%d.dcm", i), full))
	}
	cfg := DefaultConfig()
	cfg.Addr = addr
	s, err := New(cfg, backend, Events{})
	require.NoError(t, err)

	stats, err := s.Send(context.Background(), []Source{
		{Key: "study/series/0.dcm"},
		{Key: "study/series/1.dcm"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Successful)
	assert.Len(t, scp.files(), 2)
}

func TestSendPendingResponseCountsWarning(t *testing.T) {
	scp, addr := startTestSCP(t, dcmnode.AcceptorPolicy{})
	scp.scriptStatus("1.2.409.0", dimse.Status{Status: 0xff00})
	log := &eventLog{}
	s := newLoopbackSender(t, addr, log.events(), nil)

	stats, err := s.Send(context.Background(), []Source{
		{Path: writeTempFile(t, part10File(t, dicomuid.ExplicitVRLittleEndian, false, testCTStorage, "1.2.409.0"))},
		{Path: writeTempFile(t, part10File(t, dicomuid.ExplicitVRLittleEndian, false, testCTStorage, "1.2.409.1"))},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Successful)
	assert.Equal(t, 1, stats.Warnings)
	assert.Zero(t, stats.Failed)
	// Only the clean store produces a sent event.
	require.Len(t, log.sent, 1)
	assert.Equal(t, "1.2.409.1", log.sent[0].File.SOPInstanceUID)
	require.Len(t, log.completed, 1)
	assert.Equal(t, *stats, log.completed[0].Stats)
}

func TestSendWarningStatusCountsSuccess(t *testing.T) {
	scp, addr := startTestSCP(t, dcmnode.AcceptorPolicy{})
	scp.scriptStatus("1.2.410.0", dimse.Status{Status: 0xb000, ErrorComment: "coercion"})
	log := &eventLog{}
	s := newLoopbackSender(t, addr, log.events(), nil)

	stats, err := s.Send(context.Background(), []Source{
		{Path: writeTempFile(t, part10File(t, dicomuid.ExplicitVRLittleEndian, false, testCTStorage, "1.2.410.0"))},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Successful)
	assert.Zero(t, stats.Warnings)
	assert.Len(t, log.sent, 1)
	assert.Empty(t, log.failed)
}

func TestSendRateLimited(t *testing.T) {
	scp, addr := startTestSCP(t, dcmnode.AcceptorPolicy{})
	s := newLoopbackSender(t, addr, Events{}, func(cfg *Config) { cfg.RateLimit = 200 })

	var sources []Source
	for i := 0; i < 3; i++ {
		full := part10File(t, dicomuid.ExplicitVRLittleEndian, false, testCTStorage, fmt.Sprintf("1.2.411.%d", i))
		sources = append(sources, Source{Path: writeTempFile(t, full)})
	}
	stats, err := s.Send(context.Background(), sources)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Successful)
	// Tokens two and three each wait 5ms at 200/s.
	assert.GreaterOrEqual(t, stats.Duration, 10*time.Millisecond)
	assert.Len(t, scp.files(), 3)
}

func TestSendAllFilesDropped(t *testing.T) {
	log := &eventLog{}
	// Addr points nowhere; with nothing sendable no connection is made.
	s := newLoopbackSender(t, "localhost:1", log.events(), nil)

	stats, err := s.Send(context.Background(), []Source{{Path: writeTempFile(t, []byte("not dicom"))}})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, []TransferStartedEvent{{TotalFiles: 1}}, log.started)
	require.Len(t, log.completed, 1)
	assert.Equal(t, *stats, log.completed[0].Stats)
}

func TestSendCancelledContext(t *testing.T) {
	_, addr := startTestSCP(t, dcmnode.AcceptorPolicy{})
	s := newLoopbackSender(t, addr, Events{}, nil)

	full := part10File(t, dicomuid.ExplicitVRLittleEndian, false, testCTStorage, "1.2.412.0")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats, err := s.Send(ctx, []Source{{Path: writeTempFile(t, full)}})
	require.Error(t, err)
	assert.Zero(t, stats.Successful)
	assert.Equal(t, 1, stats.Failed)
}

func TestEchoWithIdentity(t *testing.T) {
	scp, addr := startTestSCP(t, dcmnode.AcceptorPolicy{})
	s := newLoopbackSender(t, addr, Events{}, func(cfg *Config) {
		cfg.Username = "alice"
		cfg.Password = "hunter2"
	})

	require.NoError(t, s.Echo(context.Background()))
	assert.Equal(t, 1, scp.echoCount())
	state := scp.connState()
	assert.Equal(t, "STORE-SCU", state.CallingAETitle)
	assert.Equal(t, "ANY-SCP", state.CalledAETitle)
	require.NotNil(t, state.UserIdentity)
	assert.Equal(t, pdu.UserIdentityTypeUsernamePasscode, state.UserIdentity.Type)
	assert.Equal(t, []byte("alice"), state.UserIdentity.PrimaryField)
	assert.Equal(t, []byte("hunter2"), state.UserIdentity.SecondaryField)
}

func TestNewSeedsMessageID(t *testing.T) {
	newTestSender(t, nil, func(cfg *Config) { cfg.MessageID = 4000 })
	assert.Equal(t, uint16(4000), dimse.NewMessageID())
}

func TestBuildProposals(t *testing.T) {
	files := []*PreparedFile{
		{SOPClassUID: testCTStorage, TransferSyntaxUID: dicomuid.ExplicitVRLittleEndian},
		{SOPClassUID: testCTStorage, TransferSyntaxUID: testJPEGLossless},
		{SOPClassUID: testMRStorage, TransferSyntaxUID: dicomuid.ImplicitVRLittleEndian},
	}
	got := buildProposals(files, false)
	want := []dcmnode.ProposedContext{
		{AbstractSyntaxUID: testCTStorage, TransferSyntaxUIDs: []string{dicomuid.ExplicitVRLittleEndian}},
		{AbstractSyntaxUID: testCTStorage, TransferSyntaxUIDs: []string{dicomuid.ImplicitVRLittleEndian}},
		{AbstractSyntaxUID: testCTStorage, TransferSyntaxUIDs: []string{testJPEGLossless}},
		{AbstractSyntaxUID: testMRStorage, TransferSyntaxUIDs: []string{dicomuid.ImplicitVRLittleEndian}},
		{AbstractSyntaxUID: testMRStorage, TransferSyntaxUIDs: []string{dicomuid.ExplicitVRLittleEndian}},
		{AbstractSyntaxUID: dicomuid.VerificationSOPClass, TransferSyntaxUIDs: []string{
			dicomuid.ExplicitVRLittleEndian, dicomuid.ImplicitVRLittleEndian}},
	}
	assert.Equal(t, want, got)
}

func TestBuildProposalsNeverTranscode(t *testing.T) {
	files := []*PreparedFile{
		{SOPClassUID: testCTStorage, TransferSyntaxUID: dicomuid.ExplicitVRLittleEndian},
		{SOPClassUID: testCTStorage, TransferSyntaxUID: testJPEGLossless},
		{SOPClassUID: testMRStorage, TransferSyntaxUID: dicomuid.ImplicitVRLittleEndian},
	}
	got := buildProposals(files, true)
	want := []dcmnode.ProposedContext{
		{AbstractSyntaxUID: testCTStorage, TransferSyntaxUIDs: []string{dicomuid.ExplicitVRLittleEndian}},
		{AbstractSyntaxUID: testCTStorage, TransferSyntaxUIDs: []string{testJPEGLossless}},
		{AbstractSyntaxUID: testMRStorage, TransferSyntaxUIDs: []string{dicomuid.ImplicitVRLittleEndian}},
		{AbstractSyntaxUID: dicomuid.VerificationSOPClass, TransferSyntaxUIDs: []string{
			dicomuid.ExplicitVRLittleEndian, dicomuid.ImplicitVRLittleEndian}},
	}
	assert.Equal(t, want, got)
}

func TestBuildProposalsVerificationNotDuplicated(t *testing.T) {
	files := []*PreparedFile{
		{SOPClassUID: dicomuid.VerificationSOPClass, TransferSyntaxUID: dicomuid.ExplicitVRLittleEndian},
	}
	got := buildProposals(files, false)
	require.Len(t, got, 2)
	for _, pc := range got {
		assert.Equal(t, dicomuid.VerificationSOPClass, pc.AbstractSyntaxUID)
	}
}

func TestSelectContext(t *testing.T) {
	contexts := []dcmnode.PresentationContext{
		{ID: 1, AbstractSyntaxUID: testCTStorage,
			Result: pdu.PresentationContextProviderRejectionTransferSyntaxNotSupported},
		{ID: 3, AbstractSyntaxUID: testCTStorage,
			TransferSyntaxUID: dicomuid.ImplicitVRLittleEndian, Result: pdu.PresentationContextAccepted},
		{ID: 5, AbstractSyntaxUID: testMRStorage,
			TransferSyntaxUID: testJPEGLossless, Result: pdu.PresentationContextAccepted},
	}

	// Exact match.
	pc, err := selectContext(contexts, &PreparedFile{
		SOPClassUID: testCTStorage, TransferSyntaxUID: dicomuid.ImplicitVRLittleEndian})
	require.NoError(t, err)
	assert.Equal(t, byte(3), pc.ID)

	// Stored explicit VR, peer accepted implicit only: uncompressed swap.
	pc, err = selectContext(contexts, &PreparedFile{
		SOPClassUID: testCTStorage, TransferSyntaxUID: dicomuid.ExplicitVRLittleEndian})
	require.NoError(t, err)
	assert.Equal(t, byte(3), pc.ID)

	// Compressed syntaxes match exactly or not at all.
	pc, err = selectContext(contexts, &PreparedFile{
		SOPClassUID: testMRStorage, TransferSyntaxUID: testJPEGLossless})
	require.NoError(t, err)
	assert.Equal(t, byte(5), pc.ID)

	_, err = selectContext(contexts, &PreparedFile{
		SOPClassUID: testMRStorage, TransferSyntaxUID: testJPEG2000})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dcmnode.ErrNoPresentationContext))

	_, err = selectContext(contexts, &PreparedFile{
		SOPClassUID: "1.2.999", TransferSyntaxUID: dicomuid.ImplicitVRLittleEndian})
	require.Error(t, err)
}

func TestTranscodeRoundTrip(t *testing.T) {
	dataset := encodeDataset(t, false, ctElements(t, testCTStorage, "1.2.413.0"))
	f := &PreparedFile{
		SOPClassUID:       testCTStorage,
		SOPInstanceUID:    "1.2.413.0",
		TransferSyntaxUID: dicomuid.ExplicitVRLittleEndian,
	}
	ile, err := transcodeDataset(dataset, f, dicomuid.ImplicitVRLittleEndian)
	require.NoError(t, err)
	require.NotEqual(t, dataset, ile)

	full, err := part10.Encode(part10.Meta{
		TransferSyntaxUID:          dicomuid.ImplicitVRLittleEndian,
		MediaStorageSOPClassUID:    testCTStorage,
		MediaStorageSOPInstanceUID: "1.2.413.0",
	}, ile)
	require.NoError(t, err)
	ds, err := dicom.Parse(bytes.NewReader(full), int64(len(full)), nil)
	require.NoError(t, err)
	instance, err := ds.FindElementByTag(tag.SOPInstanceUID)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.413.0"}, instance.Value.GetValue())
	name, err := ds.FindElementByTag(tag.PatientName)
	require.NoError(t, err)
	assert.Equal(t, []string{"DOE^JANE"}, name.Value.GetValue())
}

func TestTranscodeRejectsCompressed(t *testing.T) {
	f := &PreparedFile{
		SOPClassUID:       testCTStorage,
		SOPInstanceUID:    "1.2.414.0",
		TransferSyntaxUID: testJPEGLossless,
	}
	_, err := transcodeDataset([]byte{0x00}, f, dicomuid.ImplicitVRLittleEndian)
	require.Error(t, err)
	var tErr *TranscodeError
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, testJPEGLossless, tErr.From)
	assert.Contains(t, err.Error(), "no codec")
}
