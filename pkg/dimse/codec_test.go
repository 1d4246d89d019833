package dimse

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatasetEncodesInTagOrderWithPadding(t *testing.T) {
	ds := NewDataset()
	ds.Set(TagPatientID, "ABC")
	ds.Set(TagStudyInstanceUID, "1.2.3")
	ds.Set(TagQueryRetrieveLevel, LevelStudy)

	data, err := ds.Encode(ExplicitVRLittleEndian)
	require.NoError(t, err)

	// (0008,0052) CS "STUDY " comes first.
	assert.Equal(t, uint16(0x0008), binary.LittleEndian.Uint16(data[0:]))
	assert.Equal(t, "CS", string(data[4:6]))
	assert.Equal(t, uint16(6), binary.LittleEndian.Uint16(data[6:]))
	assert.Equal(t, "STUDY ", string(data[8:14]))

	decoded, err := Decode(data, ExplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Equal(t, "ABC", decoded.GetString(TagPatientID))
	assert.Equal(t, "1.2.3", decoded.GetString(TagStudyInstanceUID))

	uid, ok := decoded.Get(TagStudyInstanceUID)
	require.True(t, ok)
	assert.Equal(t, []byte("1.2.3\x00"), uid.Value)
}

func TestEncodeRejectsOversizedShortValue(t *testing.T) {
	ds := NewDataset()
	ds.Set(TagPatientName, strings.Repeat("A", 70000))

	_, err := ds.Encode(ExplicitVRLittleEndian)
	require.ErrorIs(t, err, ErrValueTooLong)
	assert.Contains(t, err.Error(), "PN")

	// Implicit VR carries a 32-bit length for every element.
	data, err := ds.Encode(ImplicitVRLittleEndian)
	require.NoError(t, err)
	decoded, err := Decode(data, ImplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Len(t, decoded.GetString(TagPatientName), 70000)

	ds.Set(TagPatientName, strings.Repeat("A", 0xFFFF-1))
	_, err = ds.Encode(ExplicitVRLittleEndian)
	assert.NoError(t, err)
}

func TestDecodeImplicitUsesDictionaryVR(t *testing.T) {
	ds := NewDataset()
	ds.Set(TagModality, "CT")
	ds.Set(TagNumberOfSeriesInstances, "42")
	data, err := ds.Encode(ImplicitVRLittleEndian)
	require.NoError(t, err)

	decoded, err := Decode(data, ImplicitVRLittleEndian)
	require.NoError(t, err)
	e, ok := decoded.Get(TagNumberOfSeriesInstances)
	require.True(t, ok)
	assert.Equal(t, "IS", e.VR)
	assert.Equal(t, "42", e.String())
	assert.Equal(t, map[string]string{
		"00080060": "CT",
		"00201209": "42",
	}, decoded.Strings())
}

func TestDecodeBigEndianSwapsBinaryValues(t *testing.T) {
	ds := NewDataset()
	ds.SetUint16(NewTag(0x0028, 0x0010), 512)
	ds.Set(TagPatientID, "X1")
	data, err := ds.Encode(ExplicitVRBigEndian)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x10}, data[0:2])

	decoded, err := Decode(data, ExplicitVRBigEndian)
	require.NoError(t, err)
	rows, ok := decoded.GetUint16(NewTag(0x0028, 0x0010))
	require.True(t, ok)
	assert.Equal(t, uint16(512), rows)
}

func TestDecodeSkipsUndefinedLengthSequence(t *testing.T) {
	var data []byte
	// (0008,1115) SQ, undefined length, one undefined-length item holding
	// (0020,000E) UI.
	data = append(data, 0x08, 0x00, 0x15, 0x11, 'S', 'Q', 0, 0, 0xFF, 0xFF, 0xFF, 0xFF)
	data = append(data, 0xFE, 0xFF, 0x00, 0xE0, 0xFF, 0xFF, 0xFF, 0xFF)
	data = append(data, 0x20, 0x00, 0x0E, 0x00, 'U', 'I', 4, 0, '1', '.', '2', 0)
	data = append(data, 0xFE, 0xFF, 0x0D, 0xE0, 0, 0, 0, 0)
	data = append(data, 0xFE, 0xFF, 0xDD, 0xE0, 0, 0, 0, 0)
	// (0010,0020) LO "P1"
	data = append(data, 0x10, 0x00, 0x20, 0x00, 'L', 'O', 2, 0, 'P', '1')

	decoded, err := Decode(data, ExplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Equal(t, "P1", decoded.GetString(TagPatientID))
	assert.False(t, decoded.Has(TagSeriesInstanceUID), "nested elements are not indexed")
	assert.Equal(t, 2, decoded.Len())

	// The sequence survives a re-encode byte for byte.
	again, err := decoded.Encode(ExplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode([]byte{0x10, 0x00, 0x20, 0x00, 'L', 'O', 8, 0, 'P'}, ExplicitVRLittleEndian)
	assert.Error(t, err)
}

func TestGetStringsSplitsMultiValues(t *testing.T) {
	ds := NewDataset()
	ds.Set(TagImageType, `ORIGINAL\PRIMARY\AXIAL`)
	assert.Equal(t, []string{"ORIGINAL", "PRIMARY", "AXIAL"}, ds.GetStrings(TagImageType))
}

func TestParseTag(t *testing.T) {
	for _, s := range []string{"PatientID", "patientid", "00100020", "0010,0020", "(0010,0020)"} {
		tag, err := ParseTag(s)
		require.NoError(t, err, s)
		assert.Equal(t, TagPatientID, tag, s)
	}
	_, err := ParseTag("NotATag")
	assert.Error(t, err)
	_, err = ParseTag("0010,ZZZZ")
	assert.Error(t, err)
}

func TestCommandEncoding(t *testing.T) {
	remaining, completed := uint16(3), uint16(7)
	cmd := &Command{
		CommandField:              CMoveRSP,
		MessageIDBeingRespondedTo: 9,
		AffectedSOPClassUID:       StudyRootMoveSOPClass,
		Status:                    StatusPending,
		DataSetType:               DataSetAbsent,
		Remaining:                 &remaining,
		Completed:                 &completed,
	}
	data := EncodeCommand(cmd)

	// Group length covers everything after itself.
	assert.Equal(t, uint32(len(data)-12), binary.LittleEndian.Uint32(data[8:]))

	decoded, err := DecodeCommand(data)
	require.NoError(t, err)
	assert.Equal(t, CMoveRSP, decoded.CommandField)
	assert.Equal(t, uint16(9), decoded.MessageIDBeingRespondedTo)
	assert.True(t, decoded.IsResponse())
	assert.False(t, decoded.HasDataSet())
	require.NotNil(t, decoded.Remaining)
	assert.Equal(t, uint16(3), *decoded.Remaining)
	assert.Nil(t, decoded.Failed)
}

func TestCancelCommandCarriesRespondedToID(t *testing.T) {
	ds, err := Decode(EncodeCommand(&Command{
		CommandField:              CCancelRQ,
		MessageIDBeingRespondedTo: 5,
		DataSetType:               DataSetAbsent,
	}), ImplicitVRLittleEndian)
	require.NoError(t, err)

	id, ok := ds.GetUint16(TagMessageIDBeingRespondTo)
	require.True(t, ok)
	assert.Equal(t, uint16(5), id)
	assert.False(t, ds.Has(TagMessageID))
	assert.False(t, ds.Has(TagPriority))
}

func TestEchoRequestHasNoPriority(t *testing.T) {
	ds, err := Decode(EncodeCommand(&Command{
		CommandField: CEchoRQ,
		MessageID:    1,
		DataSetType:  DataSetAbsent,
	}), ImplicitVRLittleEndian)
	require.NoError(t, err)
	assert.True(t, ds.Has(TagMessageID))
	assert.False(t, ds.Has(TagPriority))
}

func TestAssociateRequestRoundTrip(t *testing.T) {
	rq := &associateRQ{
		calledAE:     "ARCHIVE",
		callingAE:    "RIS_QR",
		contexts:     NewPresentationContexts([]string{VerificationSOPClass, StudyRootFindSOPClass}, QueryTransferSyntaxes),
		maxPDULength: 32768,
	}
	data := rq.encode()
	assert.Equal(t, []byte{0x00, 0x01}, data[0:2])

	decoded, err := decodeAssociateRQ(data)
	require.NoError(t, err)
	assert.Equal(t, "ARCHIVE", decoded.calledAE)
	assert.Equal(t, "RIS_QR", decoded.callingAE)
	assert.Equal(t, ApplicationContextUID, decoded.applicationContext)
	assert.Equal(t, uint32(32768), decoded.maxPDULength)
	assert.Equal(t, ImplementationClassUID, decoded.implementationUID)
	require.Len(t, decoded.contexts, 2)
	assert.Equal(t, byte(1), decoded.contexts[0].ID)
	assert.Equal(t, byte(3), decoded.contexts[1].ID)
	assert.Equal(t, QueryTransferSyntaxes, decoded.contexts[1].TransferSyntaxes)

	decoded.contexts[0].Result = ResultAcceptance
	decoded.contexts[0].TransferSyntax = ImplicitVRLittleEndian
	decoded.contexts[1].Result = ResultAbstractSyntaxNotSupported
	results, info, err := decodeAssociateAC(encodeAssociateAC(decoded, 16384))
	require.NoError(t, err)
	assert.Equal(t, uint32(16384), info.maxPDULength)
	assert.Equal(t, acceptedContext{result: ResultAcceptance, transferSyntax: ImplicitVRLittleEndian}, results[1])
	assert.Equal(t, ResultAbstractSyntaxNotSupported, results[3].result)
}

func TestNumberContextsKeepsExplicitIDs(t *testing.T) {
	contexts := []*PresentationContext{{ID: 5}, {}, {}}
	numberContexts(contexts)
	assert.Equal(t, byte(5), contexts[0].ID)
	assert.Equal(t, byte(7), contexts[1].ID)
	assert.Equal(t, byte(9), contexts[2].ID)
}

func TestStatusClassification(t *testing.T) {
	assert.True(t, IsPending(StatusPending))
	assert.True(t, IsPending(StatusPendingWarning))
	assert.True(t, IsWarning(StatusWarningDataSet))
	assert.False(t, IsFailure(StatusCancel))
	assert.False(t, IsFailure(StatusSuccess))
	assert.True(t, IsFailure(StatusOutOfResources))
	assert.True(t, IsFailure(StatusMoveDestinationUnknown))
}
