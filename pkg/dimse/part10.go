package dimse

import (
	"bytes"
	"fmt"
	"io"
)

const (
	part10PreambleLength = 128
	part10Prefix         = "DICM"
)

// FileMeta is the subset of File Meta Information written for a received
// object.
type FileMeta struct {
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	SourceAETitle  string
}

// WritePart10 writes a DICOM Part 10 file: the 128 byte preamble, the DICM
// prefix, group 0002 in Explicit VR Little Endian, then dataset verbatim.
// dataset must already be encoded in meta.TransferSyntax.
func WritePart10(w io.Writer, meta FileMeta, dataset []byte) error {
	if meta.SOPInstanceUID == "" || meta.TransferSyntax == "" {
		return fmt.Errorf("part10: SOP instance UID and transfer syntax are required")
	}

	group := NewDataset()
	group.SetBytes(TagFileMetaVersion, "OB", []byte{0x00, 0x01})
	group.Set(TagMediaStorageSOPClassUID, meta.SOPClassUID)
	group.Set(TagMediaStorageSOPInstUID, meta.SOPInstanceUID)
	group.Set(TagTransferSyntaxUID, meta.TransferSyntax)
	group.Set(TagImplementationClassUID, ImplementationClassUID)
	group.Set(TagImplementationVersion, ImplementationVersion)
	if meta.SourceAETitle != "" {
		group.Set(TagSourceAETitle, meta.SourceAETitle)
	}
	body, err := group.Encode(ExplicitVRLittleEndian)
	if err != nil {
		return fmt.Errorf("part10: encode file meta: %w", err)
	}
	length := NewDataset()
	length.SetBytes(TagFileMetaGroupLength, "UL", le32(uint32(len(body))))
	head, err := length.Encode(ExplicitVRLittleEndian)
	if err != nil {
		return fmt.Errorf("part10: encode group length: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(part10PreambleLength + len(part10Prefix) + len(head) + len(body))
	buf.Write(make([]byte, part10PreambleLength))
	buf.WriteString(part10Prefix)
	buf.Write(head)
	buf.Write(body)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	_, err = w.Write(dataset)
	return err
}

