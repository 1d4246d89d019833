package dimse

import (
	"fmt"
	"strconv"
	"strings"
)

// Tags the engine reads or writes by name.
var (
	TagCommandGroupLength       = NewTag(0x0000, 0x0000)
	TagAffectedSOPClassUID      = NewTag(0x0000, 0x0002)
	TagCommandField             = NewTag(0x0000, 0x0100)
	TagMessageID                = NewTag(0x0000, 0x0110)
	TagMessageIDBeingRespondTo  = NewTag(0x0000, 0x0120)
	TagMoveDestination          = NewTag(0x0000, 0x0600)
	TagPriority                 = NewTag(0x0000, 0x0700)
	TagCommandDataSetType       = NewTag(0x0000, 0x0800)
	TagStatus                   = NewTag(0x0000, 0x0900)
	TagErrorComment             = NewTag(0x0000, 0x0902)
	TagAffectedSOPInstanceUID   = NewTag(0x0000, 0x1000)
	TagRemainingSuboperations   = NewTag(0x0000, 0x1020)
	TagCompletedSuboperations   = NewTag(0x0000, 0x1021)
	TagFailedSuboperations      = NewTag(0x0000, 0x1022)
	TagWarningSuboperations     = NewTag(0x0000, 0x1023)
	TagMoveOriginatorAETitle    = NewTag(0x0000, 0x1030)
	TagMoveOriginatorMessageID  = NewTag(0x0000, 0x1031)
	TagFileMetaGroupLength      = NewTag(0x0002, 0x0000)
	TagFileMetaVersion          = NewTag(0x0002, 0x0001)
	TagMediaStorageSOPClassUID  = NewTag(0x0002, 0x0002)
	TagMediaStorageSOPInstUID   = NewTag(0x0002, 0x0003)
	TagTransferSyntaxUID        = NewTag(0x0002, 0x0010)
	TagImplementationClassUID   = NewTag(0x0002, 0x0012)
	TagImplementationVersion    = NewTag(0x0002, 0x0013)
	TagSourceAETitle            = NewTag(0x0002, 0x0016)
	TagSpecificCharacterSet     = NewTag(0x0008, 0x0005)
	TagImageType                = NewTag(0x0008, 0x0008)
	TagSOPClassUID              = NewTag(0x0008, 0x0016)
	TagSOPInstanceUID           = NewTag(0x0008, 0x0018)
	TagStudyDate                = NewTag(0x0008, 0x0020)
	TagStudyTime                = NewTag(0x0008, 0x0030)
	TagAccessionNumber          = NewTag(0x0008, 0x0050)
	TagQueryRetrieveLevel       = NewTag(0x0008, 0x0052)
	TagModality                 = NewTag(0x0008, 0x0060)
	TagModalitiesInStudy        = NewTag(0x0008, 0x0061)
	TagStudyDescription         = NewTag(0x0008, 0x1030)
	TagSeriesDescription        = NewTag(0x0008, 0x103E)
	TagPatientName              = NewTag(0x0010, 0x0010)
	TagPatientID                = NewTag(0x0010, 0x0020)
	TagPatientBirthDate         = NewTag(0x0010, 0x0030)
	TagContrastBolusAgent       = NewTag(0x0018, 0x0010)
	TagStudyInstanceUID         = NewTag(0x0020, 0x000D)
	TagSeriesInstanceUID        = NewTag(0x0020, 0x000E)
	TagSeriesNumber             = NewTag(0x0020, 0x0011)
	TagInstanceNumber           = NewTag(0x0020, 0x0013)
	TagNumberOfStudySeries      = NewTag(0x0020, 0x1206)
	TagNumberOfStudyInstances   = NewTag(0x0020, 0x1208)
	TagNumberOfSeriesInstances  = NewTag(0x0020, 0x1209)
	TagPixelData                = NewTag(0x7FE0, 0x0010)
	tagItem                     = NewTag(0xFFFE, 0xE000)
	tagItemDelimitation         = NewTag(0xFFFE, 0xE00D)
	tagSequenceDelimitation     = NewTag(0xFFFE, 0xE0DD)
)

type dictEntry struct {
	vr      string
	keyword string
}

var dictionary = map[Tag]dictEntry{
	TagAffectedSOPClassUID:     {"UI", "AffectedSOPClassUID"},
	TagCommandField:            {"US", "CommandField"},
	TagMessageID:               {"US", "MessageID"},
	TagMessageIDBeingRespondTo: {"US", "MessageIDBeingRespondedTo"},
	TagMoveDestination:         {"AE", "MoveDestination"},
	TagPriority:                {"US", "Priority"},
	TagCommandDataSetType:      {"US", "CommandDataSetType"},
	TagStatus:                  {"US", "Status"},
	TagErrorComment:            {"LO", "ErrorComment"},
	TagAffectedSOPInstanceUID:  {"UI", "AffectedSOPInstanceUID"},
	TagRemainingSuboperations:  {"US", "NumberOfRemainingSuboperations"},
	TagCompletedSuboperations:  {"US", "NumberOfCompletedSuboperations"},
	TagFailedSuboperations:     {"US", "NumberOfFailedSuboperations"},
	TagWarningSuboperations:    {"US", "NumberOfWarningSuboperations"},
	TagMoveOriginatorAETitle:   {"AE", "MoveOriginatorApplicationEntityTitle"},
	TagMoveOriginatorMessageID: {"US", "MoveOriginatorMessageID"},

	TagFileMetaVersion:         {"OB", "FileMetaInformationVersion"},
	TagMediaStorageSOPClassUID: {"UI", "MediaStorageSOPClassUID"},
	TagMediaStorageSOPInstUID:  {"UI", "MediaStorageSOPInstanceUID"},
	TagTransferSyntaxUID:       {"UI", "TransferSyntaxUID"},
	TagImplementationClassUID:  {"UI", "ImplementationClassUID"},
	TagImplementationVersion:   {"SH", "ImplementationVersionName"},
	TagSourceAETitle:           {"AE", "SourceApplicationEntityTitle"},

	TagSpecificCharacterSet:      {"CS", "SpecificCharacterSet"},
	TagImageType:                 {"CS", "ImageType"},
	TagSOPClassUID:               {"UI", "SOPClassUID"},
	TagSOPInstanceUID:            {"UI", "SOPInstanceUID"},
	TagStudyDate:                 {"DA", "StudyDate"},
	NewTag(0x0008, 0x0021):       {"DA", "SeriesDate"},
	TagStudyTime:                 {"TM", "StudyTime"},
	NewTag(0x0008, 0x0031):       {"TM", "SeriesTime"},
	TagAccessionNumber:           {"SH", "AccessionNumber"},
	TagQueryRetrieveLevel:        {"CS", "QueryRetrieveLevel"},
	NewTag(0x0008, 0x0054):       {"AE", "RetrieveAETitle"},
	NewTag(0x0008, 0x0056):       {"CS", "InstanceAvailability"},
	TagModality:                  {"CS", "Modality"},
	TagModalitiesInStudy:         {"CS", "ModalitiesInStudy"},
	NewTag(0x0008, 0x0070):       {"LO", "Manufacturer"},
	NewTag(0x0008, 0x0080):       {"LO", "InstitutionName"},
	NewTag(0x0008, 0x0090):       {"PN", "ReferringPhysicianName"},
	TagStudyDescription:          {"LO", "StudyDescription"},
	TagSeriesDescription:         {"LO", "SeriesDescription"},
	NewTag(0x0008, 0x1060):       {"PN", "NameOfPhysiciansReadingStudy"},
	TagPatientName:               {"PN", "PatientName"},
	TagPatientID:                 {"LO", "PatientID"},
	TagPatientBirthDate:          {"DA", "PatientBirthDate"},
	NewTag(0x0010, 0x0040):       {"CS", "PatientSex"},
	NewTag(0x0010, 0x1010):       {"AS", "PatientAge"},
	TagContrastBolusAgent:        {"LO", "ContrastBolusAgent"},
	NewTag(0x0018, 0x0015):       {"CS", "BodyPartExamined"},
	TagStudyInstanceUID:          {"UI", "StudyInstanceUID"},
	TagSeriesInstanceUID:         {"UI", "SeriesInstanceUID"},
	NewTag(0x0020, 0x0010):       {"SH", "StudyID"},
	TagSeriesNumber:              {"IS", "SeriesNumber"},
	TagInstanceNumber:            {"IS", "InstanceNumber"},
	TagNumberOfStudySeries:       {"IS", "NumberOfStudyRelatedSeries"},
	TagNumberOfStudyInstances:    {"IS", "NumberOfStudyRelatedInstances"},
	TagNumberOfSeriesInstances:   {"IS", "NumberOfSeriesRelatedInstances"},
	NewTag(0x0028, 0x0002):       {"US", "SamplesPerPixel"},
	NewTag(0x0028, 0x0004):       {"CS", "PhotometricInterpretation"},
	NewTag(0x0028, 0x0010):       {"US", "Rows"},
	NewTag(0x0028, 0x0011):       {"US", "Columns"},
	NewTag(0x0028, 0x0100):       {"US", "BitsAllocated"},
	NewTag(0x0028, 0x0101):       {"US", "BitsStored"},
	NewTag(0x0028, 0x0102):       {"US", "HighBit"},
	NewTag(0x0028, 0x0103):       {"US", "PixelRepresentation"},
	TagPixelData:                 {"OW", "PixelData"},
}

var keywords = func() map[string]Tag {
	m := make(map[string]Tag, len(dictionary))
	for tag, e := range dictionary {
		m[strings.ToLower(e.keyword)] = tag
	}
	return m
}()

// LookupVR returns the dictionary VR for tag, "UL" for group lengths and "UN"
// for anything unknown.
func LookupVR(tag Tag) string {
	if e, ok := dictionary[tag]; ok {
		return e.vr
	}
	if tag.Element() == 0x0000 {
		return "UL"
	}
	return "UN"
}

// Keyword returns the dictionary keyword for tag, or "" when unknown.
func Keyword(tag Tag) string {
	return dictionary[tag].keyword
}

// ParseTag accepts a dictionary keyword ("PatientID"), eight hex digits
// ("00100020") or the grouped forms "0010,0020" and "(0010,0020)".
func ParseTag(s string) (Tag, error) {
	s = strings.TrimSpace(s)
	if tag, ok := keywords[strings.ToLower(s)]; ok {
		return tag, nil
	}
	hex := strings.NewReplacer("(", "", ")", "", ",", "", " ", "").Replace(s)
	if len(hex) != 8 {
		return 0, fmt.Errorf("dimse: unknown tag %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("dimse: invalid tag %q: %w", s, err)
	}
	return Tag(v), nil
}
