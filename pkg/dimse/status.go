package dimse

// DIMSE status codes used by the services in this package.
const (
	StatusSuccess                uint16 = 0x0000
	StatusWarningCoercion        uint16 = 0xB000
	StatusWarningElementsDropped uint16 = 0xB006
	StatusWarningDataSet         uint16 = 0xB007
	StatusCancel                 uint16 = 0xFE00
	StatusPending                uint16 = 0xFF00
	StatusPendingWarning         uint16 = 0xFF01
	StatusOutOfResources         uint16 = 0xA700
	StatusMoveOutOfResources     uint16 = 0xA701
	StatusMoveDestinationUnknown uint16 = 0xA801
	StatusIdentifierMismatch     uint16 = 0xA900
	StatusCannotUnderstand       uint16 = 0xC000
	StatusProcessingFailure      uint16 = 0x0110
	StatusNoSuchSOPClass         uint16 = 0x0122
)

// IsPending reports whether status continues a multi-response exchange.
func IsPending(status uint16) bool {
	return status == StatusPending || status == StatusPendingWarning
}

// IsWarning reports whether status is a warning.
func IsWarning(status uint16) bool {
	return status == 0x0001 || status&0xF000 == 0xB000
}

// IsFailure reports whether status terminates an exchange unsuccessfully.
func IsFailure(status uint16) bool {
	return status != StatusSuccess && status != StatusCancel && !IsPending(status) && !IsWarning(status)
}
