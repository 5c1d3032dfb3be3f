package scu

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"github.com/yasushi-saito/go-dicom/dicomuid"

	"github.com/dcmnode/dcmnode/part10"
	"github.com/dcmnode/dcmnode/sopclass"
)

// Source names one file to send: a local path or a storage backend key.
// Exactly one field is set.
type Source struct {
	Path string
	Key  string
}

func (s Source) String() string {
	if s.Key != "" {
		return "key:" + s.Key
	}
	return s.Path
}

// PreparedFile carries what inspection learned about a source. Dataset
// bytes are reloaded at send time, not cached here.
type PreparedFile struct {
	Source         Source
	SOPClassUID    string
	SOPInstanceUID string
	// Encoding of the stored dataset bytes.
	TransferSyntaxUID string
	// The stored payload carries the part10 envelope, stripped before
	// transfer.
	HasFileMeta bool
}

// load fetches the raw stored bytes of a source.
func (s *Sender) load(ctx context.Context, src Source) ([]byte, error) {
	if src.Key != "" {
		if s.backend == nil {
			return nil, fmt.Errorf("scu: %s: no storage backend configured", src)
		}
		return s.backend.Get(ctx, src.Key)
	}
	if src.Path == "" {
		return nil, fmt.Errorf("scu: source names neither a path nor a key")
	}
	return os.ReadFile(src.Path)
}

// loadDataset fetches a source and strips the part10 envelope when the
// inspection saw one.
func (s *Sender) loadDataset(ctx context.Context, f *PreparedFile) ([]byte, error) {
	data, err := s.load(ctx, f.Source)
	if err != nil {
		return nil, err
	}
	if !f.HasFileMeta {
		return data, nil
	}
	_, dataset, err := part10.Split(data)
	if err != nil {
		return nil, err
	}
	return dataset, nil
}

// inspect classifies one source: part10 file or bare dataset, which
// transfer syntax, which SOP class and instance.
func (s *Sender) inspect(ctx context.Context, src Source) (*PreparedFile, error) {
	data, err := s.load(ctx, src)
	if err != nil {
		return nil, err
	}
	f := &PreparedFile{Source: src}
	if part10.Detect(data) {
		meta, _, err := part10.Split(data)
		if err != nil {
			return nil, err
		}
		if _, err := dicomio.CanonicalTransferSyntaxUID(meta.TransferSyntaxUID); err != nil {
			return nil, fmt.Errorf("scu: %s: unsupported transfer syntax %q", src, meta.TransferSyntaxUID)
		}
		if meta.MediaStorageSOPClassUID == "" || meta.MediaStorageSOPInstanceUID == "" {
			return nil, fmt.Errorf("scu: %s: file meta lacks media storage SOP UIDs", src)
		}
		f.HasFileMeta = true
		f.TransferSyntaxUID = meta.TransferSyntaxUID
		f.SOPClassUID = meta.MediaStorageSOPClassUID
		f.SOPInstanceUID = meta.MediaStorageSOPInstanceUID
	} else {
		ts, classUID, instanceUID, err := sniffBareDataset(data)
		if err != nil {
			return nil, fmt.Errorf("scu: %s: %w", src, err)
		}
		f.TransferSyntaxUID = ts
		f.SOPClassUID = classUID
		f.SOPInstanceUID = instanceUID
	}
	if !s.cfg.IgnoreSOPClass && !sopclass.Known(f.SOPClassUID) {
		return nil, fmt.Errorf("scu: %s: unknown SOP class %q", src, f.SOPClassUID)
	}
	return f, nil
}

// sniffBareDataset classifies a dataset that lacks the part10 envelope.
// Explicit VR little endian is tried before implicit, except when the first
// element plainly lacks a VR; whichever parse yields the SOP UIDs wins.
func sniffBareDataset(data []byte) (string, string, string, error) {
	candidates := []string{dicomuid.ExplicitVRLittleEndian, dicomuid.ImplicitVRLittleEndian}
	if guess, err := part10.SniffTransferSyntax(data); err == nil && guess == dicomuid.ImplicitVRLittleEndian {
		candidates = []string{dicomuid.ImplicitVRLittleEndian, dicomuid.ExplicitVRLittleEndian}
	}
	for _, candidate := range candidates {
		full, err := part10.Encode(part10.Meta{TransferSyntaxUID: candidate}, data)
		if err != nil {
			continue
		}
		ds, err := dicom.Parse(bytes.NewReader(full), int64(len(full)), nil, dicom.SkipPixelData())
		if err != nil {
			continue
		}
		classUID := elementString(&ds, tag.SOPClassUID)
		instanceUID := elementString(&ds, tag.SOPInstanceUID)
		if classUID == "" || instanceUID == "" {
			continue
		}
		return candidate, classUID, instanceUID, nil
	}
	return "", "", "", fmt.Errorf("not parseable as explicit or implicit VR little endian")
}

func elementString(ds *dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil {
		return ""
	}
	if vals, ok := elem.Value.GetValue().([]string); ok && len(vals) > 0 {
		return strings.TrimRight(vals[0], " \x00")
	}
	return ""
}
