package dimse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const undefinedLength = 0xFFFFFFFF

var errTruncated = errors.New("dimse: truncated dataset")

// Tag is a DICOM attribute tag, group in the high 16 bits.
type Tag uint32

// NewTag builds a tag from its group and element numbers.
func NewTag(group, element uint16) Tag {
	return Tag(uint32(group)<<16 | uint32(element))
}

func (t Tag) Group() uint16   { return uint16(t >> 16) }
func (t Tag) Element() uint16 { return uint16(t) }

func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group(), t.Element())
}

// Key is the eight hex digit form used as a JSON attribute key.
func (t Tag) Key() string {
	return fmt.Sprintf("%04X%04X", t.Group(), t.Element())
}

// Element is one encoded attribute. Value holds the raw bytes in little
// endian order regardless of the transfer syntax the element was read from.
type Element struct {
	Tag   Tag
	VR    string
	Value []byte

	// undefined marks a sequence or encapsulated value read with undefined
	// length; Value then includes the trailing delimitation item.
	undefined bool
}

// String returns the value of a text element with DICOM padding removed.
// Numeric binary VRs are rendered in decimal.
func (e *Element) String() string {
	switch e.VR {
	case "US":
		if len(e.Value) >= 2 {
			return strconv.FormatUint(uint64(binary.LittleEndian.Uint16(e.Value)), 10)
		}
		return ""
	case "UL":
		if len(e.Value) >= 4 {
			return strconv.FormatUint(uint64(binary.LittleEndian.Uint32(e.Value)), 10)
		}
		return ""
	case "SS":
		if len(e.Value) >= 2 {
			return strconv.FormatInt(int64(int16(binary.LittleEndian.Uint16(e.Value))), 10)
		}
		return ""
	case "SL":
		if len(e.Value) >= 4 {
			return strconv.FormatInt(int64(int32(binary.LittleEndian.Uint32(e.Value))), 10)
		}
		return ""
	}
	return strings.TrimLeft(strings.TrimRight(string(e.Value), "\x00 "), " ")
}

// IsText reports whether the element's VR holds character data.
func (e *Element) IsText() bool {
	return isTextVR(e.VR)
}

// Dataset is an unordered set of elements; encoding always emits them in
// ascending tag order.
type Dataset struct {
	elements map[Tag]*Element
}

// NewDataset returns an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{elements: make(map[Tag]*Element)}
}

// Set stores a string value using the dictionary VR for tag.
func (d *Dataset) Set(tag Tag, value string) {
	vr := LookupVR(tag)
	if vr == "UN" {
		vr = "LO"
	}
	d.elements[tag] = &Element{Tag: tag, VR: vr, Value: []byte(value)}
}

// SetUint16 stores a US value.
func (d *Dataset) SetUint16(tag Tag, value uint16) {
	d.elements[tag] = &Element{Tag: tag, VR: "US", Value: binary.LittleEndian.AppendUint16(nil, value)}
}

// SetBytes stores a raw little endian value with an explicit VR.
func (d *Dataset) SetBytes(tag Tag, vr string, value []byte) {
	d.elements[tag] = &Element{Tag: tag, VR: vr, Value: value}
}

// Get returns the element for tag.
func (d *Dataset) Get(tag Tag) (*Element, bool) {
	e, ok := d.elements[tag]
	return e, ok
}

// Has reports whether tag is present.
func (d *Dataset) Has(tag Tag) bool {
	_, ok := d.elements[tag]
	return ok
}

// Delete removes tag.
func (d *Dataset) Delete(tag Tag) {
	delete(d.elements, tag)
}

// GetString returns the trimmed string value of tag, or "" when absent.
func (d *Dataset) GetString(tag Tag) string {
	if e, ok := d.elements[tag]; ok {
		return e.String()
	}
	return ""
}

// GetStrings splits a multi-valued text element on the backslash delimiter.
func (d *Dataset) GetStrings(tag Tag) []string {
	s := d.GetString(tag)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, `\`)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// GetUint16 returns a US value.
func (d *Dataset) GetUint16(tag Tag) (uint16, bool) {
	e, ok := d.elements[tag]
	if !ok || len(e.Value) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(e.Value), true
}

// Len returns the number of elements.
func (d *Dataset) Len() int {
	return len(d.elements)
}

// Tags returns the tags in ascending order.
func (d *Dataset) Tags() []Tag {
	tags := make([]Tag, 0, len(d.elements))
	for t := range d.elements {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// Strings renders every text or numeric element keyed by Tag.Key. Binary
// and sequence elements are omitted.
func (d *Dataset) Strings() map[string]string {
	out := make(map[string]string, len(d.elements))
	for tag, e := range d.elements {
		if e.undefined || !(isTextVR(e.VR) || isNumericVR(e.VR)) {
			continue
		}
		out[tag.Key()] = e.String()
	}
	return out
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

type syntax struct {
	explicit bool
	order    byteOrder
}

var (
	implicitLittle = syntax{explicit: false, order: binary.LittleEndian}
	explicitLittle = syntax{explicit: true, order: binary.LittleEndian}
	explicitBig    = syntax{explicit: true, order: binary.BigEndian}
)

func syntaxFor(transferSyntax string) (syntax, error) {
	switch transferSyntax {
	case ImplicitVRLittleEndian:
		return implicitLittle, nil
	case ExplicitVRBigEndian:
		return explicitBig, nil
	case DeflatedExplicitVRLittleEndian:
		return syntax{}, fmt.Errorf("dimse: deflated transfer syntax is not supported")
	default:
		// Explicit VR Little Endian and every encapsulated syntax.
		return explicitLittle, nil
	}
}

// Encode serializes the dataset in the given transfer syntax.
func (d *Dataset) Encode(transferSyntax string) ([]byte, error) {
	s, err := syntaxFor(transferSyntax)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 256)
	for _, tag := range d.Tags() {
		if buf, err = appendElement(buf, s, d.elements[tag]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// maxShortLength is the largest value an Explicit VR element with a 16-bit
// length field can carry.
const maxShortLength = 0xFFFF

func appendElement(buf []byte, s syntax, e *Element) ([]byte, error) {
	value := e.Value
	if !e.undefined {
		value = padValue(e.VR, value)
		if s.order == binary.BigEndian {
			value = swapValue(e.VR, value)
		}
	}
	length := uint32(len(value))
	if e.undefined {
		length = undefinedLength
	}

	buf = s.order.AppendUint16(buf, e.Tag.Group())
	buf = s.order.AppendUint16(buf, e.Tag.Element())
	switch {
	case !s.explicit:
		buf = s.order.AppendUint32(buf, length)
	case hasLongLength(e.VR):
		buf = append(buf, e.VR[0], e.VR[1], 0, 0)
		buf = s.order.AppendUint32(buf, length)
	default:
		if length > maxShortLength {
			return nil, fmt.Errorf("%w: %s %s is %d bytes, limit %d",
				ErrValueTooLong, e.Tag, e.VR, length, maxShortLength)
		}
		buf = append(buf, e.VR[0], e.VR[1])
		buf = s.order.AppendUint16(buf, uint16(length))
	}
	return append(buf, value...), nil
}

// Decode parses a dataset encoded in the given transfer syntax. Sequences
// are kept as opaque values; only top-level elements are indexed.
func Decode(data []byte, transferSyntax string) (*Dataset, error) {
	s, err := syntaxFor(transferSyntax)
	if err != nil {
		return nil, err
	}
	r := &reader{data: data, syn: s}
	ds := NewDataset()
	for r.off < len(r.data) {
		// Trailing padding shorter than an element header.
		if len(r.data)-r.off < 8 {
			break
		}
		e, err := r.readElement()
		if err != nil {
			return nil, err
		}
		if e.Tag.Group() == 0xFFFE {
			return nil, fmt.Errorf("dimse: unexpected delimiter %s at top level", e.Tag)
		}
		ds.elements[e.Tag] = e
	}
	return ds, nil
}

type reader struct {
	data []byte
	off  int
	syn  syntax
}

func (r *reader) readElement() (*Element, error) {
	if r.off+8 > len(r.data) {
		return nil, errTruncated
	}
	order := r.syn.order
	tag := NewTag(order.Uint16(r.data[r.off:]), order.Uint16(r.data[r.off+2:]))

	var vr string
	var length uint32
	if r.syn.explicit && tag.Group() != 0xFFFE {
		vr = string(r.data[r.off+4 : r.off+6])
		if hasLongLength(vr) {
			if r.off+12 > len(r.data) {
				return nil, errTruncated
			}
			length = order.Uint32(r.data[r.off+8:])
			r.off += 12
		} else {
			length = uint32(order.Uint16(r.data[r.off+6:]))
			r.off += 8
		}
	} else {
		vr = LookupVR(tag)
		length = order.Uint32(r.data[r.off+4:])
		r.off += 8
	}

	if length == undefinedLength {
		start := r.off
		sub := r
		if vr == "UN" && r.syn.explicit {
			// UN with undefined length is an implicit little endian sequence.
			sub = &reader{data: r.data, off: r.off, syn: implicitLittle}
		}
		if err := sub.skipSequence(); err != nil {
			return nil, err
		}
		r.off = sub.off
		if vr == "UN" {
			vr = "SQ"
		}
		return &Element{Tag: tag, VR: vr, Value: r.data[start:r.off], undefined: true}, nil
	}

	if int(length) > len(r.data)-r.off {
		return nil, errTruncated
	}
	value := r.data[r.off : r.off+int(length)]
	r.off += int(length)
	if order == binary.BigEndian {
		value = swapValue(vr, value)
	}
	return &Element{Tag: tag, VR: vr, Value: value}, nil
}

// skipSequence advances past the items of an undefined-length value up to
// and including the sequence delimitation item.
func (r *reader) skipSequence() error {
	order := r.syn.order
	for {
		if r.off+8 > len(r.data) {
			return errTruncated
		}
		tag := NewTag(order.Uint16(r.data[r.off:]), order.Uint16(r.data[r.off+2:]))
		length := order.Uint32(r.data[r.off+4:])
		r.off += 8
		switch tag {
		case tagSequenceDelimitation:
			return nil
		case tagItem:
			if length == undefinedLength {
				if err := r.skipItem(); err != nil {
					return err
				}
				continue
			}
			if int(length) > len(r.data)-r.off {
				return errTruncated
			}
			r.off += int(length)
		default:
			return fmt.Errorf("dimse: unexpected tag %s inside sequence", tag)
		}
	}
}

func (r *reader) skipItem() error {
	order := r.syn.order
	for {
		if r.off+8 > len(r.data) {
			return errTruncated
		}
		tag := NewTag(order.Uint16(r.data[r.off:]), order.Uint16(r.data[r.off+2:]))
		if tag == tagItemDelimitation {
			r.off += 8
			return nil
		}
		if _, err := r.readElement(); err != nil {
			return err
		}
	}
}

func hasLongLength(vr string) bool {
	switch vr {
	case "OB", "OD", "OF", "OL", "OV", "OW", "SQ", "SV", "UC", "UN", "UR", "UT", "UV":
		return true
	}
	return false
}

func isTextVR(vr string) bool {
	switch vr {
	case "AE", "AS", "CS", "DA", "DS", "DT", "IS", "LO", "LT", "PN", "SH", "ST", "TM", "UC", "UI", "UR", "UT":
		return true
	}
	return false
}

func isNumericVR(vr string) bool {
	switch vr {
	case "US", "UL", "SS", "SL":
		return true
	}
	return false
}

// padValue pads odd-length values: UI and binary VRs with NUL, text with a
// space.
func padValue(vr string, value []byte) []byte {
	if len(value)%2 == 0 {
		return value
	}
	pad := byte(' ')
	if vr == "UI" || !isTextVR(vr) {
		pad = 0
	}
	out := make([]byte, len(value), len(value)+1)
	copy(out, value)
	return append(out, pad)
}

// swapValue reverses the byte order of fixed-width binary values.
func swapValue(vr string, value []byte) []byte {
	width := 0
	switch vr {
	case "US", "SS", "OW", "AT":
		width = 2
	case "UL", "SL", "FL", "OF", "OL":
		width = 4
	case "FD", "OD", "SV", "UV", "OV":
		width = 8
	default:
		return value
	}
	out := make([]byte, len(value))
	for i := 0; i+width <= len(value); i += width {
		for j := 0; j < width; j++ {
			out[i+j] = value[i+width-1-j]
		}
	}
	return out
}
