// Package scu implements the batch C-STORE sender: inspection of local or
// remote files, presentation context proposal, and a pool of workers that
// fan the transfer out over parallel associations.
package scu

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/yasushi-saito/go-dicom/dicomuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"v.io/x/lib/vlog"

	"github.com/dcmnode/dcmnode"
	"github.com/dcmnode/dcmnode/dimse"
	"github.com/dcmnode/dcmnode/part10"
	"github.com/dcmnode/dcmnode/pdu"
	"github.com/dcmnode/dcmnode/storage"
)

// TranscodeError reports a dataset that could not be reencoded into the
// negotiated transfer syntax.
type TranscodeError struct {
	From string
	To   string
	Err  error
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("cannot transcode %s to %s: %v",
		dicomuid.UIDString(e.From), dicomuid.UIDString(e.To), e.Err)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// Sender sends batches of instances to one remote SCP.
type Sender struct {
	cfg      Config
	backend  storage.Backend
	events   Events
	identity *pdu.UserIdentityRQ
	limiter  *rate.Limiter
}

// New builds a sender from a defaulted-and-valid configuration. backend may
// be nil when every source is a local path.
func New(cfg Config, backend storage.Backend, ev Events) (*Sender, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	identity, err := cfg.userIdentity()
	if err != nil {
		return nil, err
	}
	dimse.SeedMessageID(uint16(cfg.MessageID))
	s := &Sender{cfg: cfg, backend: backend, events: ev, identity: identity}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return s, nil
}

// Send inspects sources, opens up to Concurrency associations, and
// transfers every sendable file. The returned stats are valid even when err
// is non-nil; err reports a stop of the whole batch (negotiation failure, a
// dead connection, cancellation, or the first failure under FailFirst).
func (s *Sender) Send(ctx context.Context, sources []Source) (*TransferStats, error) {
	start := time.Now()
	stats := &TransferStats{Total: len(sources)}
	var files []*PreparedFile
	for _, src := range sources {
		f, err := s.inspect(ctx, src)
		if err != nil {
			vlog.Errorf("scu: dropping %s: %v", src, err)
			s.events.fileError(FileErrorEvent{Source: src, Err: err})
			stats.Failed++
			continue
		}
		files = append(files, f)
	}
	s.events.transferStarted(TransferStartedEvent{TotalFiles: len(sources)})

	var sendErr error
	if len(files) > 0 {
		proposals := buildProposals(files, s.cfg.NeverTranscode)
		work := make(chan *PreparedFile, len(files))
		for _, f := range files {
			work <- f
		}
		close(work)
		workers := s.cfg.Concurrency
		if workers > len(files) {
			workers = len(files)
		}
		mu := &sync.Mutex{}
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < workers; i++ {
			g.Go(func() error {
				return s.runWorker(gctx, work, proposals, stats, mu)
			})
		}
		sendErr = g.Wait()
		// Files never popped because the batch stopped early count as
		// failed, keeping Total == Successful+Warnings+Failed.
		for range work {
			stats.Failed++
		}
	}
	stats.Duration = time.Since(start)
	vlog.Infof("scu: sent %d/%d files in %v", stats.Successful, stats.Total, stats.Duration)
	s.events.transferCompleted(TransferCompletedEvent{Stats: *stats})
	return stats, sendErr
}

// Echo opens a short association and runs one C-ECHO against the remote.
func (s *Sender) Echo(ctx context.Context) error {
	su := dcmnode.NewServiceUser(dcmnode.ServiceUserParams{
		CalledAETitle:  s.cfg.CalledAETitle,
		CallingAETitle: s.cfg.CallingAETitle,
		Proposals: []dcmnode.ProposedContext{{
			AbstractSyntaxUID: dicomuid.VerificationSOPClass,
			TransferSyntaxUIDs: []string{
				dicomuid.ExplicitVRLittleEndian,
				dicomuid.ImplicitVRLittleEndian,
			},
		}},
		MaxPDUSize:   s.cfg.MaxPDULength,
		UserIdentity: s.identity,
	})
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	su.SetConn(conn)
	defer su.Release()
	if _, err := su.WaitContexts(); err != nil {
		return err
	}
	return su.CEcho()
}

func (s *Sender) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("scu: connect %s: %w", s.cfg.Addr, err)
	}
	return conn, nil
}

// runWorker owns one association for the lifetime of the work channel.
func (s *Sender) runWorker(ctx context.Context, work <-chan *PreparedFile,
	proposals []dcmnode.ProposedContext, stats *TransferStats, mu *sync.Mutex) error {
	su := dcmnode.NewServiceUser(dcmnode.ServiceUserParams{
		CalledAETitle:  s.cfg.CalledAETitle,
		CallingAETitle: s.cfg.CallingAETitle,
		Proposals:      proposals,
		MaxPDUSize:     s.cfg.MaxPDULength,
		UserIdentity:   s.identity,
	})
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	su.SetConn(conn)
	contexts, err := su.WaitContexts()
	if err != nil {
		su.Abort()
		return err
	}
	for {
		select {
		case <-ctx.Done():
			su.Release()
			return ctx.Err()
		case f, ok := <-work:
			if !ok {
				su.Release()
				return nil
			}
			if err := s.sendOne(ctx, su, contexts, f, stats, mu); err != nil {
				su.Abort()
				return err
			}
		}
	}
}

// sendOne transfers a single file. A non-nil return stops the batch; mere
// per-file failures return nil unless FailFirst is set.
func (s *Sender) sendOne(ctx context.Context, su *dcmnode.ServiceUser,
	contexts []dcmnode.PresentationContext, f *PreparedFile,
	stats *TransferStats, mu *sync.Mutex) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.recordFailure(f.Source, err, stats, mu)
			return err
		}
	}
	s.events.fileSending(FileSendingEvent{File: f})
	start := time.Now()
	pc, err := selectContext(contexts, f)
	if err != nil {
		return s.fileFailed(f, err, stats, mu)
	}
	data, err := s.loadDataset(ctx, f)
	if err != nil {
		return s.fileFailed(f, err, stats, mu)
	}
	if pc.TransferSyntaxUID != f.TransferSyntaxUID {
		data, err = transcodeDataset(data, f, pc.TransferSyntaxUID)
		if err != nil {
			return s.fileFailed(f, err, stats, mu)
		}
	}
	status, err := su.CStore(pc, f.SOPInstanceUID, data)
	if err != nil {
		// Transport-level failure; the association is gone.
		s.recordFailure(f.Source, err, stats, mu)
		return err
	}
	switch status.Status.Class() {
	case dimse.StatusClassSuccess, dimse.StatusClassWarning:
		if status.Status != dimse.StatusSuccess {
			vlog.Infof("scu: %s stored with warning status 0x%04x", f.Source, uint16(status.Status))
		}
		mu.Lock()
		stats.Successful++
		mu.Unlock()
		s.events.fileSent(FileSentEvent{
			File:              f,
			TransferSyntaxUID: pc.TransferSyntaxUID,
			Duration:          time.Since(start),
		})
		return nil
	case dimse.StatusClassPending:
		vlog.Errorf("scu: %s: pending status 0x%04x in a C-STORE response", f.Source, uint16(status.Status))
		mu.Lock()
		stats.Warnings++
		mu.Unlock()
		return nil
	case dimse.StatusClassCancelled:
		return s.fileFailed(f, fmt.Errorf("peer cancelled the store"), stats, mu)
	default:
		return s.fileFailed(f, fmt.Errorf("C-STORE failed with status 0x%04x: %s",
			uint16(status.Status), status.ErrorComment), stats, mu)
	}
}

// fileFailed records one file's failure; under FailFirst it also stops the
// batch.
func (s *Sender) fileFailed(f *PreparedFile, err error, stats *TransferStats, mu *sync.Mutex) error {
	s.recordFailure(f.Source, err, stats, mu)
	if s.cfg.FailFirst {
		return fmt.Errorf("scu: %s: %w", f.Source, err)
	}
	return nil
}

func (s *Sender) recordFailure(src Source, err error, stats *TransferStats, mu *sync.Mutex) {
	vlog.Errorf("scu: %s: %v", src, err)
	s.events.fileError(FileErrorEvent{Source: src, Err: err})
	mu.Lock()
	stats.Failed++
	mu.Unlock()
}

// selectContext picks the accepted presentation context for a file: the
// exact transfer syntax when accepted, otherwise any accepted uncompressed
// syntax when the file itself is uncompressed. That swap is codec-free.
// Compressed datasets have no fallback; nothing here can decode them.
func selectContext(contexts []dcmnode.PresentationContext, f *PreparedFile) (dcmnode.PresentationContext, error) {
	if pc, err := dcmnode.FindAcceptedContext(contexts, f.SOPClassUID, f.TransferSyntaxUID); err == nil {
		return pc, nil
	}
	if dcmnode.IsUncompressedTransferSyntax(f.TransferSyntaxUID) {
		for _, ts := range dcmnode.UncompressedTransferSyntaxes {
			if pc, err := dcmnode.FindAcceptedContext(contexts, f.SOPClassUID, ts); err == nil {
				return pc, nil
			}
		}
	}
	return dcmnode.PresentationContext{}, fmt.Errorf(
		"%w for SOP class %s, transfer syntax %s", dcmnode.ErrNoPresentationContext,
		dicomuid.UIDString(f.SOPClassUID), dicomuid.UIDString(f.TransferSyntaxUID))
}

// buildProposals unions (SOP class, transfer syntax) pairs across the
// batch, one proposed context per pair, with uncompressed safety nets per
// class unless neverTranscode. Verification is appended so the association
// can be smoke-tested.
func buildProposals(files []*PreparedFile, neverTranscode bool) []dcmnode.ProposedContext {
	var classOrder []string
	perClass := map[string][]string{}
	add := func(classUID, ts string) {
		list, seen := perClass[classUID]
		if !seen {
			classOrder = append(classOrder, classUID)
		}
		for _, have := range list {
			if have == ts {
				return
			}
		}
		perClass[classUID] = append(list, ts)
	}
	for _, f := range files {
		add(f.SOPClassUID, f.TransferSyntaxUID)
		if !neverTranscode {
			add(f.SOPClassUID, dicomuid.ExplicitVRLittleEndian)
			add(f.SOPClassUID, dicomuid.ImplicitVRLittleEndian)
		}
	}
	var proposals []dcmnode.ProposedContext
	for _, classUID := range classOrder {
		for _, ts := range perClass[classUID] {
			proposals = append(proposals, dcmnode.ProposedContext{
				AbstractSyntaxUID:  classUID,
				TransferSyntaxUIDs: []string{ts},
			})
		}
	}
	if _, seen := perClass[dicomuid.VerificationSOPClass]; !seen {
		proposals = append(proposals, dcmnode.ProposedContext{
			AbstractSyntaxUID: dicomuid.VerificationSOPClass,
			TransferSyntaxUIDs: []string{
				dicomuid.ExplicitVRLittleEndian,
				dicomuid.ImplicitVRLittleEndian,
			},
		})
	}
	return proposals
}

// transcodeDataset reencodes dataset bytes between uncompressed transfer
// syntaxes by parsing and rewriting every element.
func transcodeDataset(data []byte, f *PreparedFile, toTS string) ([]byte, error) {
	fromTS := f.TransferSyntaxUID
	if !dcmnode.IsUncompressedTransferSyntax(fromTS) || !dcmnode.IsUncompressedTransferSyntax(toTS) {
		return nil, &TranscodeError{From: fromTS, To: toTS,
			Err: fmt.Errorf("no codec for encapsulated syntaxes")}
	}
	full, err := part10.Encode(part10.Meta{
		TransferSyntaxUID:          fromTS,
		MediaStorageSOPClassUID:    f.SOPClassUID,
		MediaStorageSOPInstanceUID: f.SOPInstanceUID,
	}, data)
	if err != nil {
		return nil, &TranscodeError{From: fromTS, To: toTS, Err: err}
	}
	ds, err := dicom.Parse(bytes.NewReader(full), int64(len(full)), nil)
	if err != nil {
		return nil, &TranscodeError{From: fromTS, To: toTS, Err: err}
	}
	byteOrder, implicit, err := transferSyntaxEncoding(toTS)
	if err != nil {
		return nil, &TranscodeError{From: fromTS, To: toTS, Err: err}
	}
	var buf bytes.Buffer
	w, err := dicom.NewWriter(&buf, dicom.SkipVRVerification())
	if err != nil {
		return nil, &TranscodeError{From: fromTS, To: toTS, Err: err}
	}
	w.SetTransferSyntax(byteOrder, implicit)
	for _, elem := range ds.Elements {
		// The parser surfaces file meta as group-0002 elements; those stay
		// out of the dataset.
		if elem.Tag.Group == 0x0002 {
			continue
		}
		if err := w.WriteElement(elem); err != nil {
			return nil, &TranscodeError{From: fromTS, To: toTS, Err: err}
		}
	}
	return buf.Bytes(), nil
}

func transferSyntaxEncoding(ts string) (binary.ByteOrder, bool, error) {
	switch ts {
	case dicomuid.ImplicitVRLittleEndian:
		return binary.LittleEndian, true, nil
	case dicomuid.ExplicitVRLittleEndian:
		return binary.LittleEndian, false, nil
	case dicomuid.ExplicitVRBigEndian:
		return binary.BigEndian, false, nil
	}
	return nil, false, fmt.Errorf("no encoder for transfer syntax %s", ts)
}

