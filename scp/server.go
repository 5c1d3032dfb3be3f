// Package scp implements the store-SCP pipeline: a DICOM service provider
// that persists incoming C-STORE instances to a storage backend, projects
// configured tags, and aggregates instances into studies with a
// restartable completion timer.
package scp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"v.io/x/lib/vlog"

	"github.com/dcmnode/dcmnode"
	"github.com/dcmnode/dcmnode/dimse"
	"github.com/dcmnode/dcmnode/extract"
	"github.com/dcmnode/dcmnode/part10"
	"github.com/dcmnode/dcmnode/storage"
)

// Server accepts associations and runs the store pipeline on each.
type Server struct {
	cfg       Config
	backend   storage.Backend
	events    Events
	extractor *extract.Extractor
	registry  *studyRegistry
	provider  *dcmnode.ServiceProvider

	// Set by Run before the provider starts accepting; handlers inherit it
	// for storage calls.
	ctx context.Context
}

// New builds a server from a defaulted-and-valid configuration. The backend
// is injected rather than built from cfg so tests and embedders can supply
// their own; NewBackend builds one from the config's storage section.
func New(cfg Config, backend storage.Backend, ev Events) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, fmt.Errorf("scp: nil storage backend")
	}
	s := &Server{cfg: cfg, backend: backend, events: ev, ctx: context.Background()}
	if len(cfg.ExtractTags) > 0 || len(cfg.ExtractCustomTags) > 0 {
		strategy, err := extract.ParseStrategy(cfg.GroupingStrategy)
		if err != nil {
			return nil, err
		}
		s.extractor, err = extract.New(cfg.ExtractTags, cfg.ExtractCustomTags, strategy)
		if err != nil {
			return nil, err
		}
	}
	s.registry = newStudyRegistry(cfg.studyTimeout(), s.events.studyCompleted)
	policy, err := cfg.acceptorPolicy()
	if err != nil {
		return nil, err
	}
	s.provider = dcmnode.NewServiceProvider(dcmnode.ServiceProviderParams{
		ListenAddr:   fmt.Sprintf(":%d", cfg.ListenPort),
		AETitle:      cfg.CallingAETitle,
		MaxPDUSize:   cfg.MaxPDULength,
		StrictMaxPDU: cfg.Strict,
		Acceptor:     policy,
		IdleTimeout:  cfg.idleTimeout(),
		CStore:       s.handleCStore,
		CEcho:        s.handleCEcho,
	})
	return s, nil
}

// NewBackend builds the storage backend the config's storage section names.
func NewBackend(ctx context.Context, cfg Config) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case "object_store":
		if cfg.ObjectStore == nil {
			return nil, fmt.Errorf("scp: object_store backend requires an object_store section")
		}
		return storage.NewS3(ctx, storage.S3Config{
			Bucket:    cfg.ObjectStore.Bucket,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
			Endpoint:  cfg.ObjectStore.Endpoint,
			Region:    cfg.ObjectStore.Region,
		})
	default:
		if cfg.FilesystemRoot == "" {
			return nil, fmt.Errorf("scp: filesystem backend requires filesystem_root")
		}
		return storage.NewFilesystem(cfg.FilesystemRoot), nil
	}
}

// Run listens and serves until ctx is cancelled. Cancellation aborts live
// associations and drops pending study aggregates without completing them.
func (s *Server) Run(ctx context.Context) error {
	if err := s.provider.Listen(); err != nil {
		return err
	}
	s.ctx = ctx
	addr := s.provider.Addr()
	vlog.Infof("scp: %s listening on %v", s.cfg.CallingAETitle, addr)
	s.events.serverStarted(ServerStartedEvent{Addr: addr})
	err := s.provider.Run(ctx)
	s.registry.close()
	return err
}

// Addr returns the bound listen address, nil before Run binds it.
func (s *Server) Addr() net.Addr {
	return s.provider.Addr()
}

func (s *Server) handleCEcho(connState dcmnode.ConnectionState) dimse.Status {
	vlog.VI(1).Infof("scp: C-ECHO from %s", connState.CallingAETitle)
	return dimse.Success
}

func (s *Server) handleCStore(
	connState dcmnode.ConnectionState,
	transferSyntaxUID string,
	sopClassUID string,
	sopInstanceUID string,
	data []byte) dimse.Status {

	// Wrap the bare dataset in a synthesized part10 envelope so the parser
	// learns the transfer syntax from file meta.
	full, err := part10.Encode(part10.Meta{
		TransferSyntaxUID:          transferSyntaxUID,
		MediaStorageSOPClassUID:    sopClassUID,
		MediaStorageSOPInstanceUID: sopInstanceUID,
	}, data)
	if err != nil {
		return s.ingestFailed(dimse.CStoreStatusCannotUnderstand,
			fmt.Sprintf("building file meta for %s", sopInstanceUID), err)
	}
	ds, err := dicom.Parse(bytes.NewReader(full), int64(len(full)), nil, dicom.SkipPixelData())
	if err != nil {
		return s.ingestFailed(dimse.CStoreStatusCannotUnderstand,
			fmt.Sprintf("parsing dataset for %s", sopInstanceUID), err)
	}

	studyUID := datasetString(&ds, tag.StudyInstanceUID)
	seriesUID := datasetString(&ds, tag.SeriesInstanceUID)
	instanceUID := datasetString(&ds, tag.SOPInstanceUID)
	classUID := datasetString(&ds, tag.SOPClassUID)
	if instanceUID == "" {
		instanceUID = strings.TrimRight(sopInstanceUID, "\x00")
	}
	if classUID == "" {
		classUID = strings.TrimRight(sopClassUID, "\x00")
	}
	if studyUID == "" || seriesUID == "" {
		return s.ingestFailed(dimse.CStoreStatusCannotUnderstand,
			fmt.Sprintf("dataset %s lacks study or series UID", instanceUID), nil)
	}

	key := studyUID + "/" + seriesUID + "/" + instanceUID + ".dcm"
	toStore := data
	if s.cfg.StoreWithFileMeta {
		toStore = full
	}
	if err := s.backend.Put(s.ctx, key, toStore); err != nil {
		status := dimse.CStoreStatusOutOfResources
		if errors.Is(err, storage.ErrNotFound) {
			status = dimse.CStoreStatusInstanceUnavailable
		}
		return s.ingestFailed(status, fmt.Sprintf("storing %s", key), err)
	}

	var studyTags, seriesTags, instanceTags map[string]string
	if s.extractor != nil {
		extracted := s.extractor.Extract(&ds)
		studyTags = extracted.StudyTags()
		seriesTags = extracted.SeriesTags()
		instanceTags = extracted.InstanceTags()
	}

	s.events.fileStored(FileStoredEvent{
		Key:               key,
		StudyUID:          studyUID,
		SeriesUID:         seriesUID,
		SOPInstanceUID:    instanceUID,
		SOPClassUID:       classUID,
		TransferSyntaxUID: transferSyntaxUID,
		RemoteAETitle:     connState.CallingAETitle,
		Size:              len(toStore),
		Tags:              instanceTags,
	})
	s.registry.add(&StoredInstance{
		StudyUID:          studyUID,
		SeriesUID:         seriesUID,
		SOPInstanceUID:    instanceUID,
		SOPClassUID:       classUID,
		TransferSyntaxUID: transferSyntaxUID,
		Key:               key,
		Tags:              instanceTags,
	}, studyTags, seriesTags)

	vlog.VI(1).Infof("scp: stored %s (%d bytes) from %s", key, len(toStore), connState.CallingAETitle)
	return dimse.Success
}

// ingestFailed logs, emits an error event, and shapes the failure status
// for the C-STORE response.
func (s *Server) ingestFailed(code dimse.StatusCode, message string, err error) dimse.Status {
	vlog.Errorf("scp: %s: %v", message, err)
	s.events.error(ErrorEvent{Message: message, Err: err})
	comment := message
	if err != nil {
		comment = err.Error()
	}
	if len(comment) > 64 {
		comment = comment[:64]
	}
	return dimse.Status{Status: code, ErrorComment: comment}
}

func datasetString(ds *dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil {
		return ""
	}
	if vals, ok := elem.Value.GetValue().([]string); ok && len(vals) > 0 {
		return strings.TrimRight(vals[0], " \x00")
	}
	return ""
}
