package dcmnode

import (
	"fmt"
	"sync"

	"github.com/dcmnode/dcmnode/dimse"
	"v.io/x/lib/vlog"
)

// serviceCommandState tracks one inbound DIMSE command on the acceptor side,
// from the first fragment until the handler finishes.
type serviceCommandState struct {
	disp      *serviceDispatcher  // Parent.
	messageID uint16              // Message ID of the inbound command.
	context   contextManagerEntry // The context the command arrived on.
	cm        *contextManager     // For context -> transfersyntax/sopclass lookups.

	// upcallCh streams follow-up events for this messageID.
	upcallCh chan upcallEvent
}

// sendMessage queues one response message on the presentation context the
// command arrived on.
func (cs *serviceCommandState) sendMessage(resp dimse.Message, data []byte) {
	vlog.VI(1).Infof("dispatcher: sending %v", resp)
	cs.disp.downcallCh <- stateEvent{
		event: evt09,
		dimsePayload: &stateEventDIMSEPayload{
			contextID:          cs.context.contextID,
			abstractSyntaxName: cs.context.abstractSyntaxUID,
			command:            resp,
			data:               data,
		},
	}
}

type serviceCallback func(
	msg dimse.Message, data []byte,
	cs *serviceCommandState)

// serviceDispatcher routes reassembled inbound commands to the callback
// registered for their command field, one goroutine per command.
type serviceDispatcher struct {
	downcallCh chan stateEvent // for sending primitives to the state machine.

	mu             sync.Mutex
	activeCommands map[uint16]*serviceCommandState // guarded by mu
	callbacks      map[int]serviceCallback         // guarded by mu
}

func (disp *serviceDispatcher) findOrCreateCommand(
	messageID uint16,
	cm *contextManager,
	context contextManagerEntry) (*serviceCommandState, bool) {
	disp.mu.Lock()
	defer disp.mu.Unlock()
	if cs, ok := disp.activeCommands[messageID]; ok {
		return cs, true
	}
	cs := &serviceCommandState{
		disp:      disp,
		messageID: messageID,
		cm:        cm,
		context:   context,
		upcallCh:  make(chan upcallEvent, 128),
	}
	disp.activeCommands[messageID] = cs
	vlog.VI(1).Infof("dispatcher: start command %d", messageID)
	return cs, false
}

func (disp *serviceDispatcher) deleteCommand(cs *serviceCommandState) {
	disp.mu.Lock()
	vlog.VI(1).Infof("dispatcher: finish command %d", cs.messageID)
	if _, ok := disp.activeCommands[cs.messageID]; !ok {
		panic(fmt.Sprintf("cs %+v", cs))
	}
	delete(disp.activeCommands, cs.messageID)
	disp.mu.Unlock()
}

func (disp *serviceDispatcher) registerCallback(commandField int, cb serviceCallback) {
	disp.mu.Lock()
	disp.callbacks[commandField] = cb
	disp.mu.Unlock()
}

func (disp *serviceDispatcher) unregisterCallback(commandField int) {
	disp.mu.Lock()
	delete(disp.callbacks, commandField)
	disp.mu.Unlock()
}

func (disp *serviceDispatcher) handleEvent(event upcallEvent) {
	if event.eventType == upcallEventHandshakeCompleted {
		return
	}
	doassert(event.eventType == upcallEventData)
	doassert(event.command != nil)
	context, err := event.cm.lookupByContextID(event.contextID)
	if err != nil {
		vlog.Infof("dispatcher: invalid context ID %d: %v", event.contextID, err)
		disp.downcallCh <- stateEvent{event: evt19, err: err}
		return
	}
	messageID := event.command.GetMessageID()
	dc, found := disp.findOrCreateCommand(messageID, event.cm, context)
	if found {
		vlog.VI(1).Infof("dispatcher: forwarding %v to command %d", event.command, messageID)
		dc.upcallCh <- event
		return
	}
	disp.mu.Lock()
	cb := disp.callbacks[event.command.CommandField()]
	disp.mu.Unlock()
	if cb == nil {
		vlog.Infof("dispatcher: unsupported command %v, aborting", event.command)
		disp.deleteCommand(dc)
		disp.downcallCh <- stateEvent{
			event: evt15,
			err:   fmt.Errorf("unsupported command field 0x%04x", event.command.CommandField()),
		}
		return
	}
	go func() {
		cb(event.command, event.data, dc)
		disp.deleteCommand(dc)
	}()
}

func (disp *serviceDispatcher) close() {
	disp.mu.Lock()
	for _, cs := range disp.activeCommands {
		close(cs.upcallCh)
	}
	disp.mu.Unlock()
}

func newServiceDispatcher() *serviceDispatcher {
	return &serviceDispatcher{
		downcallCh:     make(chan stateEvent, 128),
		activeCommands: make(map[uint16]*serviceCommandState),
		callbacks:      make(map[int]serviceCallback),
	}
}
