package dimse

import "strings"

// Application context and SOP classes used by the query/retrieve engine.
const (
	ApplicationContextUID = "1.2.840.10008.3.1.1.1"

	VerificationSOPClass  = "1.2.840.10008.1.1"
	StudyRootFindSOPClass = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootMoveSOPClass = "1.2.840.10008.5.1.4.1.2.2.2"

	// CTImageStorage and MRImageStorage are listed for callers that propose
	// storage contexts explicitly. Any SOP class under the storage prefix is
	// accepted by the service provider.
	CTImageStorage = "1.2.840.10008.5.1.4.1.1.2"
	MRImageStorage = "1.2.840.10008.5.1.4.1.1.4"

	storageSOPClassPrefix = "1.2.840.10008.5.1.4.1.1."
)

// Transfer syntaxes.
const (
	ImplicitVRLittleEndian         = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian         = "1.2.840.10008.1.2.1"
	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"
	ExplicitVRBigEndian            = "1.2.840.10008.1.2.2"
	JPEGBaseline                   = "1.2.840.10008.1.2.4.50"
	JPEGExtended                   = "1.2.840.10008.1.2.4.51"
	JPEGLossless                   = "1.2.840.10008.1.2.4.70"
	JPEGLSLossless                 = "1.2.840.10008.1.2.4.80"
	JPEG2000Lossless               = "1.2.840.10008.1.2.4.90"
	JPEG2000                       = "1.2.840.10008.1.2.4.91"
	RLELossless                    = "1.2.840.10008.1.2.5"
)

// Implementation identity sent in the user information item and written to
// the file meta information of received objects.
const (
	ImplementationClassUID = "1.2.826.0.1.3680043.9.7433.1.2"
	ImplementationVersion  = "RIS_QR_V1"
)

// Query/Retrieve levels.
const (
	LevelStudy  = "STUDY"
	LevelSeries = "SERIES"
)

// QueryTransferSyntaxes are proposed for C-FIND and C-MOVE contexts.
var QueryTransferSyntaxes = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
}

// StorageTransferSyntaxes are accepted by the storage receiver, in order of
// preference. Encapsulated syntaxes carry an Explicit VR Little Endian
// dataset, so the receiver can still read the identifying attributes.
var StorageTransferSyntaxes = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
	JPEGLossless,
	JPEGLSLossless,
	JPEG2000Lossless,
	RLELossless,
	JPEGBaseline,
	JPEGExtended,
	JPEG2000,
	ExplicitVRBigEndian,
}

// IsStorageSOPClass reports whether uid names a storage SOP class.
func IsStorageSOPClass(uid string) bool {
	return strings.HasPrefix(uid, storageSOPClassPrefix)
}
