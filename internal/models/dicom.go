package models

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/otcheredev/ris-dicom-qr/pkg/dimse"
)

// RemoteEndpoint identifies the archive an engine talks to
type RemoteEndpoint struct {
	AETitle string `json:"ae_title"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Secure  bool   `json:"secure"`
}

// Address returns host:port for dialing.
func (r RemoteEndpoint) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func (r RemoteEndpoint) String() string {
	return fmt.Sprintf("%s@%s", r.AETitle, r.Address())
}

// LocalIdentity identifies this node as a requestor and as the transient
// storage receiver during retrieve
type LocalIdentity struct {
	AETitle string `json:"ae_title"`
	Port    int    `json:"port"`
	Secure  bool   `json:"secure"`
}

// Query is a set of query criteria keyed by tag. An empty value is a return
// key that does not filter.
type Query map[dimse.Tag]string

// ParseQuery converts keyword or hex keyed criteria into a Query.
func ParseQuery(criteria map[string]string) (Query, error) {
	q := make(Query, len(criteria))
	for key, value := range criteria {
		tag, err := dimse.ParseTag(key)
		if err != nil {
			return nil, err
		}
		q[tag] = value
	}
	return q, nil
}

// ParseQueryArgs parses "key=value" pairs as given on a command line.
func ParseQueryArgs(args []string) (Query, error) {
	criteria := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("invalid query key %q, expected tag=value", arg)
		}
		criteria[key] = value
	}
	return ParseQuery(criteria)
}

// StudyResult represents a study returned by a study level C-FIND
type StudyResult struct {
	StudyInstanceUID  string            `json:"0020000D"`
	PatientID         string            `json:"00100020"`
	PatientName       string            `json:"00100010"`
	PatientBirthDate  string            `json:"00100030,omitempty"`
	StudyDate         string            `json:"00080020,omitempty"`
	StudyTime         string            `json:"00080030,omitempty"`
	StudyDescription  string            `json:"00081030"`
	AccessionNumber   string            `json:"00080050"`
	ModalitiesInStudy []string          `json:"00080061,omitempty"`
	NumberOfSeries    int               `json:"00201206,omitempty"`
	NumberOfInstances int               `json:"00201208,omitempty"`
	Attributes        map[string]string `json:"attributes"`
}

// NewStudyResult maps a C-FIND identifier onto a StudyResult.
func NewStudyResult(ds *dimse.Dataset) StudyResult {
	return StudyResult{
		StudyInstanceUID:  ds.GetString(dimse.TagStudyInstanceUID),
		PatientID:         ds.GetString(dimse.TagPatientID),
		PatientName:       ds.GetString(dimse.TagPatientName),
		PatientBirthDate:  ds.GetString(dimse.TagPatientBirthDate),
		StudyDate:         ds.GetString(dimse.TagStudyDate),
		StudyTime:         ds.GetString(dimse.TagStudyTime),
		StudyDescription:  ds.GetString(dimse.TagStudyDescription),
		AccessionNumber:   ds.GetString(dimse.TagAccessionNumber),
		ModalitiesInStudy: ds.GetStrings(dimse.TagModalitiesInStudy),
		NumberOfSeries:    atoi(ds.GetString(dimse.TagNumberOfStudySeries)),
		NumberOfInstances: atoi(ds.GetString(dimse.TagNumberOfStudyInstances)),
		Attributes:        ds.Strings(),
	}
}

// SeriesResult represents a series returned by a series level C-FIND
type SeriesResult struct {
	StudyInstanceUID  string            `json:"0020000D"`
	SeriesInstanceUID string            `json:"0020000E"`
	SeriesNumber      int               `json:"00200011,omitempty"`
	Modality          string            `json:"00080060"`
	SeriesDescription string            `json:"0008103E"`
	NumberOfInstances int               `json:"00201209"`
	Attributes        map[string]string `json:"attributes"`
}

// NewSeriesResult maps a C-FIND identifier onto a SeriesResult.
func NewSeriesResult(ds *dimse.Dataset) SeriesResult {
	return SeriesResult{
		StudyInstanceUID:  ds.GetString(dimse.TagStudyInstanceUID),
		SeriesInstanceUID: ds.GetString(dimse.TagSeriesInstanceUID),
		SeriesNumber:      atoi(ds.GetString(dimse.TagSeriesNumber)),
		Modality:          ds.GetString(dimse.TagModality),
		SeriesDescription: ds.GetString(dimse.TagSeriesDescription),
		NumberOfInstances: atoi(ds.GetString(dimse.TagNumberOfSeriesInstances)),
		Attributes:        ds.Strings(),
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

// RetrieveTarget is a study or series selected for retrieval
type RetrieveTarget struct {
	ID                uuid.UUID         `json:"id"`
	Level             string            `json:"level"`
	StudyInstanceUID  string            `json:"study_instance_uid"`
	SeriesInstanceUID string            `json:"series_instance_uid,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`
}

// StudyTarget selects a whole study for retrieval.
func StudyTarget(study StudyResult) RetrieveTarget {
	return RetrieveTarget{
		ID:               uuid.New(),
		Level:            dimse.LevelStudy,
		StudyInstanceUID: study.StudyInstanceUID,
		Attributes:       study.Attributes,
	}
}

// SeriesTarget selects one series for retrieval.
func SeriesTarget(series SeriesResult) RetrieveTarget {
	return RetrieveTarget{
		ID:                uuid.New(),
		Level:             dimse.LevelSeries,
		StudyInstanceUID:  series.StudyInstanceUID,
		SeriesInstanceUID: series.SeriesInstanceUID,
		Attributes:        series.Attributes,
	}
}

// Validate checks that the target names what its level requires.
func (t RetrieveTarget) Validate() error {
	switch t.Level {
	case dimse.LevelStudy:
	case dimse.LevelSeries:
		if t.SeriesInstanceUID == "" {
			return fmt.Errorf("series level target requires a series instance UID")
		}
	default:
		return fmt.Errorf("unsupported retrieve level %q", t.Level)
	}
	if t.StudyInstanceUID == "" {
		return fmt.Errorf("retrieve target requires a study instance UID")
	}
	for _, uid := range []string{t.StudyInstanceUID, t.SeriesInstanceUID} {
		if strings.ContainsFunc(uid, unicode.IsControl) || strings.Contains(uid, `\`) {
			return fmt.Errorf("malformed UID %q", uid)
		}
	}
	return nil
}

// Identifier builds the C-MOVE identifier for the target.
func (t RetrieveTarget) Identifier() *dimse.Dataset {
	ds := dimse.NewDataset()
	ds.Set(dimse.TagQueryRetrieveLevel, t.Level)
	ds.Set(dimse.TagStudyInstanceUID, t.StudyInstanceUID)
	if t.Level == dimse.LevelSeries {
		ds.Set(dimse.TagSeriesInstanceUID, t.SeriesInstanceUID)
	}
	return ds
}

// Describe returns a short human readable label for status lines.
func (t RetrieveTarget) Describe() string {
	if t.Level == dimse.LevelSeries {
		return fmt.Sprintf("series %s", t.SeriesInstanceUID)
	}
	return fmt.Sprintf("study %s", t.StudyInstanceUID)
}
