package scu

import (
	"time"

	"v.io/x/lib/vlog"
)

// TransferStats summarizes one Send call.
type TransferStats struct {
	// Total counts every source handed to Send, including the ones dropped
	// at inspection.
	Total      int
	Successful int
	// Warnings counts pending responses, which C-STORE peers should not
	// send but some gateways do.
	Warnings int
	Failed   int
	Duration time.Duration
}

// TransferStartedEvent fires once inspection is done and workers are about
// to open their associations.
type TransferStartedEvent struct {
	TotalFiles int
}

// FileSendingEvent fires right before a file's C-STORE-RQ goes out.
type FileSendingEvent struct {
	File *PreparedFile
}

// FileSentEvent fires after a success or warning-class response.
type FileSentEvent struct {
	File *PreparedFile
	// Transfer syntax actually sent, after any reencoding.
	TransferSyntaxUID string
	Duration          time.Duration
}

// FileErrorEvent fires for a file dropped at inspection or failed in
// transfer.
type FileErrorEvent struct {
	Source Source
	Err    error
}

// TransferCompletedEvent is the last event of a Send call.
type TransferCompletedEvent struct {
	Stats TransferStats
}

// Events are the observer hooks of the send pipeline. Nil callbacks are
// skipped. Callbacks run synchronously on worker goroutines; panics are
// recovered and logged, never fatal.
type Events struct {
	TransferStarted   func(TransferStartedEvent)
	FileSending       func(FileSendingEvent)
	FileSent          func(FileSentEvent)
	FileError         func(FileErrorEvent)
	TransferCompleted func(TransferCompletedEvent)
}

func (ev *Events) transferStarted(e TransferStartedEvent) {
	if ev.TransferStarted != nil {
		invokeObserver("transfer_started", func() { ev.TransferStarted(e) })
	}
}

func (ev *Events) fileSending(e FileSendingEvent) {
	if ev.FileSending != nil {
		invokeObserver("file_sending", func() { ev.FileSending(e) })
	}
}

func (ev *Events) fileSent(e FileSentEvent) {
	if ev.FileSent != nil {
		invokeObserver("file_sent", func() { ev.FileSent(e) })
	}
}

func (ev *Events) fileError(e FileErrorEvent) {
	if ev.FileError != nil {
		invokeObserver("file_error", func() { ev.FileError(e) })
	}
}

func (ev *Events) transferCompleted(e TransferCompletedEvent) {
	if ev.TransferCompleted != nil {
		invokeObserver("transfer_completed", func() { ev.TransferCompleted(e) })
	}
}

func invokeObserver(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			vlog.Errorf("scu: %s observer panicked: %v", name, r)
		}
	}()
	fn()
}
