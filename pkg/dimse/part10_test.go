package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePart10(t *testing.T) {
	ds := NewDataset()
	ds.Set(TagSOPInstanceUID, "1.2.3.4")
	ds.Set(TagStudyInstanceUID, "1.2.3")
	body, err := ds.Encode(ImplicitVRLittleEndian)
	require.NoError(t, err)

	var buf bytes.Buffer
	err = WritePart10(&buf, FileMeta{
		SOPClassUID:    CTImageStorage,
		SOPInstanceUID: "1.2.3.4",
		TransferSyntax: ImplicitVRLittleEndian,
		SourceAETitle:  "ARCHIVE",
	}, body)
	require.NoError(t, err)

	data := buf.Bytes()
	assert.Equal(t, make([]byte, 128), data[:128])
	assert.Equal(t, "DICM", string(data[128:132]))

	meta, rest, err := splitPart10(data)
	require.NoError(t, err)
	assert.Equal(t, body, rest)
	assert.Equal(t, ImplicitVRLittleEndian, meta.GetString(TagTransferSyntaxUID))
	assert.Equal(t, "1.2.3.4", meta.GetString(TagMediaStorageSOPInstUID))
	assert.Equal(t, "ARCHIVE", meta.GetString(TagSourceAETitle))
	assert.Equal(t, ImplementationClassUID, meta.GetString(TagImplementationClassUID))

	decoded, err := Decode(rest, meta.GetString(TagTransferSyntaxUID))
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", decoded.GetString(TagStudyInstanceUID))
}

func TestWritePart10RequiresIdentity(t *testing.T) {
	err := WritePart10(&bytes.Buffer{}, FileMeta{TransferSyntax: ExplicitVRLittleEndian}, nil)
	assert.Error(t, err)
}

func TestReadBackRejectsMissingPrefix(t *testing.T) {
	_, _, err := splitPart10(make([]byte, 200))
	assert.Error(t, err)

	_, _, err = splitPart10([]byte("short"))
	assert.Error(t, err)
}

// splitPart10 separates a Part 10 file into its decoded File Meta
// Information and the remaining dataset bytes.
func splitPart10(data []byte) (*Dataset, []byte, error) {
	start := part10PreambleLength + len(part10Prefix)
	if len(data) < start {
		return nil, nil, fmt.Errorf("part10: data too short (%d bytes)", len(data))
	}
	if string(data[part10PreambleLength:start]) != part10Prefix {
		return nil, nil, fmt.Errorf("part10: missing DICM prefix")
	}

	end := metaEnd(data, start)
	meta, err := Decode(data[start:end], ExplicitVRLittleEndian)
	if err != nil {
		return nil, nil, fmt.Errorf("part10: decode file meta: %w", err)
	}
	return meta, data[end:], nil
}

// metaEnd returns the offset of the first byte after group 0002. The group
// length is trusted when present; otherwise elements are walked.
func metaEnd(data []byte, off int) int {
	if off+12 <= len(data) &&
		binary.LittleEndian.Uint16(data[off:]) == 0x0002 &&
		binary.LittleEndian.Uint16(data[off+2:]) == 0x0000 &&
		string(data[off+4:off+6]) == "UL" {
		end := off + 12 + int(binary.LittleEndian.Uint32(data[off+8:]))
		if end <= len(data) {
			return end
		}
	}
	for off+8 <= len(data) && binary.LittleEndian.Uint16(data[off:]) == 0x0002 {
		vr := string(data[off+4 : off+6])
		var next int
		if hasLongLength(vr) {
			if off+12 > len(data) {
				return len(data)
			}
			next = off + 12 + int(binary.LittleEndian.Uint32(data[off+8:]))
		} else {
			next = off + 8 + int(binary.LittleEndian.Uint16(data[off+6:]))
		}
		if next > len(data) {
			return len(data)
		}
		off = next
	}
	return off
}
