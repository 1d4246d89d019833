package dimse

import "fmt"

// Command field values.
const (
	CStoreRQ  uint16 = 0x0001
	CStoreRSP uint16 = 0x8001
	CFindRQ   uint16 = 0x0020
	CFindRSP  uint16 = 0x8020
	CMoveRQ   uint16 = 0x0021
	CMoveRSP  uint16 = 0x8021
	CEchoRQ   uint16 = 0x0030
	CEchoRSP  uint16 = 0x8030
	CCancelRQ uint16 = 0x0FFF
)

// Priority and data set type values.
const (
	PriorityMedium uint16 = 0x0000
	PriorityHigh   uint16 = 0x0001
	PriorityLow    uint16 = 0x0002

	DataSetPresent uint16 = 0x0000
	DataSetAbsent  uint16 = 0x0101
)

// Command is a DIMSE command set. Sub-operation counters are pointers
// because their absence is meaningful in C-MOVE responses.
type Command struct {
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	MoveDestination           string
	MoveOriginatorAETitle     string
	MoveOriginatorMessageID   uint16
	Priority                  uint16
	DataSetType               uint16
	Status                    uint16
	ErrorComment              string
	Remaining                 *uint16
	Completed                 *uint16
	Failed                    *uint16
	Warning                   *uint16
}

// IsResponse reports whether the command field has the response bit set.
func (c *Command) IsResponse() bool {
	return c.CommandField&0x8000 != 0
}

// HasDataSet reports whether a data set follows the command.
func (c *Command) HasDataSet() bool {
	return c.DataSetType != DataSetAbsent
}

func commandName(field uint16) string {
	switch field {
	case CStoreRQ:
		return "C-STORE-RQ"
	case CStoreRSP:
		return "C-STORE-RSP"
	case CFindRQ:
		return "C-FIND-RQ"
	case CFindRSP:
		return "C-FIND-RSP"
	case CMoveRQ:
		return "C-MOVE-RQ"
	case CMoveRSP:
		return "C-MOVE-RSP"
	case CEchoRQ:
		return "C-ECHO-RQ"
	case CEchoRSP:
		return "C-ECHO-RSP"
	case CCancelRQ:
		return "C-CANCEL-RQ"
	default:
		return fmt.Sprintf("0x%04X", field)
	}
}

// EncodeCommand serializes c in Implicit VR Little Endian with a leading
// group length element.
func EncodeCommand(c *Command) []byte {
	ds := NewDataset()
	if c.AffectedSOPClassUID != "" {
		ds.Set(TagAffectedSOPClassUID, c.AffectedSOPClassUID)
	}
	ds.SetUint16(TagCommandField, c.CommandField)

	switch {
	case c.CommandField == CCancelRQ:
		ds.SetUint16(TagMessageIDBeingRespondTo, c.MessageIDBeingRespondedTo)
	case c.IsResponse():
		ds.SetUint16(TagMessageIDBeingRespondTo, c.MessageIDBeingRespondedTo)
		ds.SetUint16(TagStatus, c.Status)
		if c.ErrorComment != "" {
			ds.Set(TagErrorComment, c.ErrorComment)
		}
	default:
		ds.SetUint16(TagMessageID, c.MessageID)
		if c.CommandField != CEchoRQ {
			ds.SetUint16(TagPriority, c.Priority)
		}
	}

	if c.MoveDestination != "" {
		ds.Set(TagMoveDestination, c.MoveDestination)
	}
	ds.SetUint16(TagCommandDataSetType, c.DataSetType)
	if c.AffectedSOPInstanceUID != "" {
		ds.Set(TagAffectedSOPInstanceUID, c.AffectedSOPInstanceUID)
	}
	if c.MoveOriginatorAETitle != "" {
		ds.Set(TagMoveOriginatorAETitle, c.MoveOriginatorAETitle)
		ds.SetUint16(TagMoveOriginatorMessageID, c.MoveOriginatorMessageID)
	}
	for tag, v := range map[Tag]*uint16{
		TagRemainingSuboperations: c.Remaining,
		TagCompletedSuboperations: c.Completed,
		TagFailedSuboperations:    c.Failed,
		TagWarningSuboperations:   c.Warning,
	} {
		if v != nil {
			ds.SetUint16(tag, *v)
		}
	}

	// Implicit little endian never fails to encode.
	body, _ := ds.Encode(ImplicitVRLittleEndian)
	group := NewDataset()
	group.SetBytes(TagCommandGroupLength, "UL", le32(uint32(len(body))))
	head, _ := group.Encode(ImplicitVRLittleEndian)
	return append(head, body...)
}

// DecodeCommand parses an Implicit VR Little Endian command set.
func DecodeCommand(data []byte) (*Command, error) {
	ds, err := Decode(data, ImplicitVRLittleEndian)
	if err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	field, ok := ds.GetUint16(TagCommandField)
	if !ok {
		return nil, fmt.Errorf("%w: command set without command field", ErrDimseFailure)
	}
	c := &Command{
		CommandField:           field,
		AffectedSOPClassUID:    ds.GetString(TagAffectedSOPClassUID),
		AffectedSOPInstanceUID: ds.GetString(TagAffectedSOPInstanceUID),
		MoveDestination:        ds.GetString(TagMoveDestination),
		MoveOriginatorAETitle:  ds.GetString(TagMoveOriginatorAETitle),
		ErrorComment:           ds.GetString(TagErrorComment),
		DataSetType:            DataSetAbsent,
	}
	c.MessageID, _ = ds.GetUint16(TagMessageID)
	c.MessageIDBeingRespondedTo, _ = ds.GetUint16(TagMessageIDBeingRespondTo)
	c.MoveOriginatorMessageID, _ = ds.GetUint16(TagMoveOriginatorMessageID)
	c.Priority, _ = ds.GetUint16(TagPriority)
	c.Status, _ = ds.GetUint16(TagStatus)
	if v, ok := ds.GetUint16(TagCommandDataSetType); ok {
		c.DataSetType = v
	}
	c.Remaining = optionalUint16(ds, TagRemainingSuboperations)
	c.Completed = optionalUint16(ds, TagCompletedSuboperations)
	c.Failed = optionalUint16(ds, TagFailedSuboperations)
	c.Warning = optionalUint16(ds, TagWarningSuboperations)
	return c, nil
}

func optionalUint16(ds *Dataset, tag Tag) *uint16 {
	v, ok := ds.GetUint16(tag)
	if !ok {
		return nil
	}
	return &v
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
