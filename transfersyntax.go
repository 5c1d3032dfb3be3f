package dcmnode

import "github.com/yasushi-saito/go-dicom/dicomuid"

// UncompressedTransferSyntaxes lists the native (non-encapsulated) transfer
// syntaxes, in the preference order acceptors in this module use.
var UncompressedTransferSyntaxes = []string{
	dicomuid.ExplicitVRLittleEndian,
	dicomuid.ImplicitVRLittleEndian,
	dicomuid.ExplicitVRBigEndian,
}

// IsUncompressedTransferSyntax reports whether uid names a native transfer
// syntax, one whose pixel data is not encapsulated.
func IsUncompressedTransferSyntax(uid string) bool {
	for _, u := range UncompressedTransferSyntaxes {
		if u == uid {
			return true
		}
	}
	return false
}
