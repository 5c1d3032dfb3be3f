package dcmnode

// FaultInjector drives fuzz-guided fault injection at the PDU send boundary.
// A nil injector (the default) is a no-op. Injectors are plumbed through
// package-level setters so fuzz harnesses can install them without touching
// the public association APIs.

type faultInjectorAction int

const (
	faultInjectorContinue = faultInjectorAction(iota)
	faultInjectorDisconnect
)

type FaultInjector struct {
	fuzz  []byte
	steps int
}

var userFaults, providerFaults *FaultInjector

func nextFuzzByte(f *FaultInjector) byte {
	doassert(len(f.fuzz) > 0)
	v := f.fuzz[f.steps]
	f.steps++
	if f.steps >= len(f.fuzz) {
		f.steps = 0
	}
	return v
}

// NewFaultInjector creates an injector that consumes fuzz bytes round-robin
// to decide when to sever the connection mid-association.
func NewFaultInjector(fuzz []byte) *FaultInjector {
	return &FaultInjector{fuzz: fuzz}
}

// SetUserFaultInjector installs the injector picked up by associations
// started after this call on the requestor side.
func SetUserFaultInjector(f *FaultInjector) {
	userFaults = f
}

// SetProviderFaultInjector installs the injector picked up by associations
// accepted after this call.
func SetProviderFaultInjector(f *FaultInjector) {
	providerFaults = f
}

func GetUserFaultInjector() *FaultInjector {
	return userFaults
}

func GetProviderFaultInjector() *FaultInjector {
	return providerFaults
}

// onSend is called just before a PDU hits the wire.
func (f *FaultInjector) onSend(data []byte) faultInjectorAction {
	if len(f.fuzz) == 0 {
		return faultInjectorContinue
	}
	op := nextFuzzByte(f)
	if op >= 0xe8 {
		return faultInjectorDisconnect
	}
	return faultInjectorContinue
}
