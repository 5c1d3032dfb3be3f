package scp

import (
	"net"

	"v.io/x/lib/vlog"
)

// ServerStartedEvent fires once the listener is bound, before the first
// association is accepted.
type ServerStartedEvent struct {
	Addr net.Addr
}

// FileStoredEvent fires per instance, after the backend write succeeds and
// before the C-STORE response goes out.
type FileStoredEvent struct {
	Key               string
	StudyUID          string
	SeriesUID         string
	SOPInstanceUID    string
	SOPClassUID       string
	TransferSyntaxUID string
	RemoteAETitle     string
	Size              int
	// Instance-level tag projection; nil when no extraction is configured.
	Tags map[string]string
}

// ErrorEvent reports a non-fatal pipeline failure: a dataset that could not
// be parsed or stored. The association survives; the peer sees a failure
// status.
type ErrorEvent struct {
	Message string
	Err     error
}

// Events are the observer hooks of the SCP pipeline. Nil callbacks are
// skipped. Callbacks run synchronously on the association's goroutine, so
// slow observers slow the peer down; panics are recovered and logged, never
// fatal.
type Events struct {
	ServerStarted  func(ServerStartedEvent)
	FileStored     func(FileStoredEvent)
	StudyCompleted func(*Study)
	Error          func(ErrorEvent)
}

func (ev *Events) serverStarted(e ServerStartedEvent) {
	if ev.ServerStarted != nil {
		invokeObserver("server_started", func() { ev.ServerStarted(e) })
	}
}

func (ev *Events) fileStored(e FileStoredEvent) {
	if ev.FileStored != nil {
		invokeObserver("file_stored", func() { ev.FileStored(e) })
	}
}

func (ev *Events) studyCompleted(study *Study) {
	if ev.StudyCompleted != nil {
		invokeObserver("study_completed", func() { ev.StudyCompleted(study) })
	}
}

func (ev *Events) error(e ErrorEvent) {
	if ev.Error != nil {
		invokeObserver("error", func() { ev.Error(e) })
	}
}

func invokeObserver(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			vlog.Errorf("scp: %s observer panicked: %v", name, r)
		}
	}()
	fn()
}
