package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PDU types.
const (
	pduAssociateRQ byte = 0x01
	pduAssociateAC byte = 0x02
	pduAssociateRJ byte = 0x03
	pduPDataTF     byte = 0x04
	pduReleaseRQ   byte = 0x05
	pduReleaseRP   byte = 0x06
	pduAbort       byte = 0x07
)

// Variable item types.
const (
	itemApplicationContext    byte = 0x10
	itemPresentationContextRQ byte = 0x20
	itemPresentationContextAC byte = 0x21
	itemAbstractSyntax        byte = 0x30
	itemTransferSyntax        byte = 0x40
	itemUserInformation       byte = 0x50
	itemMaximumLength         byte = 0x51
	itemImplementationClass   byte = 0x52
	itemImplementationVersion byte = 0x55
)

const (
	pduHeaderLength = 6
	// Upper bound on any PDU we are willing to buffer.
	maxPDUSize = 128 << 20
)

// Presentation context results carried in A-ASSOCIATE-AC.
const (
	ResultAcceptance                   byte = 0
	ResultUserRejection                byte = 1
	ResultNoReason                     byte = 2
	ResultAbstractSyntaxNotSupported   byte = 3
	ResultTransferSyntaxesNotSupported byte = 4
)

// PresentationContext pairs an abstract syntax with the transfer syntaxes
// proposed for it and, after negotiation, the one the acceptor chose.
type PresentationContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
	Result           byte
	TransferSyntax   string
}

// Accepted reports whether negotiation accepted the context.
func (pc *PresentationContext) Accepted() bool {
	return pc.Result == ResultAcceptance && pc.TransferSyntax != ""
}

type rawPDU struct {
	typ  byte
	data []byte
}

func readPDU(r io.Reader) (*rawPDU, error) {
	var header [pduHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[2:])
	if length > maxPDUSize {
		return nil, fmt.Errorf("%w: PDU length %d exceeds limit", ErrDimseFailure, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return &rawPDU{typ: header[0], data: data}, nil
}

func writePDU(w io.Writer, typ byte, data []byte) error {
	buf := make([]byte, pduHeaderLength, pduHeaderLength+len(data))
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[2:], uint32(len(data)))
	buf = append(buf, data...)
	_, err := w.Write(buf)
	return err
}

func appendItem(buf []byte, typ byte, payload []byte) []byte {
	buf = append(buf, typ, 0)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	return append(buf, payload...)
}

// padAET pads an AE title to 16 bytes with spaces.
func padAET(aet string) []byte {
	result := make([]byte, 16)
	copy(result, aet)
	for i := len(aet); i < 16; i++ {
		result[i] = ' '
	}
	return result
}

func trimAET(b []byte) string {
	return strings.TrimSpace(strings.TrimRight(string(b), "\x00"))
}

// associateRQ is the decoded content of A-ASSOCIATE-RQ. The same layout
// minus the presentation context proposals is used for the AC.
type associateRQ struct {
	calledAE           string
	callingAE          string
	applicationContext string
	contexts           []*PresentationContext
	maxPDULength       uint32
	implementationUID  string
	implementationName string
}

func encodeFixedPart(calledAE, callingAE string) []byte {
	buf := make([]byte, 0, 68)
	buf = append(buf, 0x00, 0x01, 0x00, 0x00) // protocol version, reserved
	buf = append(buf, padAET(calledAE)...)
	buf = append(buf, padAET(callingAE)...)
	return append(buf, make([]byte, 32)...)
}

func encodeUserInformation(maxPDU uint32) []byte {
	var sub []byte
	sub = appendItem(sub, itemMaximumLength, binary.BigEndian.AppendUint32(nil, maxPDU))
	sub = appendItem(sub, itemImplementationClass, []byte(ImplementationClassUID))
	sub = appendItem(sub, itemImplementationVersion, []byte(ImplementationVersion))
	return appendItem(nil, itemUserInformation, sub)
}

func (rq *associateRQ) encode() []byte {
	buf := encodeFixedPart(rq.calledAE, rq.callingAE)
	buf = appendItem(buf, itemApplicationContext, []byte(ApplicationContextUID))
	for _, pc := range rq.contexts {
		var payload []byte
		payload = append(payload, pc.ID, 0, 0, 0)
		payload = appendItem(payload, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			payload = appendItem(payload, itemTransferSyntax, []byte(ts))
		}
		buf = appendItem(buf, itemPresentationContextRQ, payload)
	}
	return append(buf, encodeUserInformation(rq.maxPDULength)...)
}

// forEachItem walks variable items, calling fn with each item's type and
// payload.
func forEachItem(data []byte, fn func(typ byte, payload []byte) error) error {
	for off := 0; off < len(data); {
		if off+4 > len(data) {
			return fmt.Errorf("%w: truncated item header", ErrDimseFailure)
		}
		typ := data[off]
		length := int(binary.BigEndian.Uint16(data[off+2:]))
		if off+4+length > len(data) {
			return fmt.Errorf("%w: item 0x%02X overruns PDU", ErrDimseFailure, typ)
		}
		if err := fn(typ, data[off+4:off+4+length]); err != nil {
			return err
		}
		off += 4 + length
	}
	return nil
}

func normalizeUID(b []byte) string {
	return strings.TrimRight(string(b), "\x00 ")
}

func parseUserInformation(payload []byte, rq *associateRQ) error {
	return forEachItem(payload, func(typ byte, sub []byte) error {
		switch typ {
		case itemMaximumLength:
			if len(sub) >= 4 {
				rq.maxPDULength = binary.BigEndian.Uint32(sub)
			}
		case itemImplementationClass:
			rq.implementationUID = normalizeUID(sub)
		case itemImplementationVersion:
			rq.implementationName = normalizeUID(sub)
		}
		return nil
	})
}

func decodeAssociateRQ(data []byte) (*associateRQ, error) {
	if len(data) < 68 {
		return nil, fmt.Errorf("%w: A-ASSOCIATE-RQ too short", ErrDimseFailure)
	}
	rq := &associateRQ{
		calledAE:  trimAET(data[4:20]),
		callingAE: trimAET(data[20:36]),
	}
	err := forEachItem(data[68:], func(typ byte, payload []byte) error {
		switch typ {
		case itemApplicationContext:
			rq.applicationContext = normalizeUID(payload)
		case itemPresentationContextRQ:
			if len(payload) < 4 {
				return fmt.Errorf("%w: short presentation context item", ErrDimseFailure)
			}
			pc := &PresentationContext{ID: payload[0]}
			err := forEachItem(payload[4:], func(typ byte, sub []byte) error {
				switch typ {
				case itemAbstractSyntax:
					pc.AbstractSyntax = normalizeUID(sub)
				case itemTransferSyntax:
					pc.TransferSyntaxes = append(pc.TransferSyntaxes, normalizeUID(sub))
				}
				return nil
			})
			if err != nil {
				return err
			}
			rq.contexts = append(rq.contexts, pc)
		case itemUserInformation:
			return parseUserInformation(payload, rq)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rq, nil
}

// encodeAssociateAC answers every proposed context with its result.
func encodeAssociateAC(rq *associateRQ, maxPDU uint32) []byte {
	buf := encodeFixedPart(rq.calledAE, rq.callingAE)
	buf = appendItem(buf, itemApplicationContext, []byte(ApplicationContextUID))
	for _, pc := range rq.contexts {
		payload := []byte{pc.ID, 0, pc.Result, 0}
		ts := pc.TransferSyntax
		if ts == "" && len(pc.TransferSyntaxes) > 0 {
			// A transfer syntax sub-item is required even on rejection.
			ts = pc.TransferSyntaxes[0]
		}
		payload = appendItem(payload, itemTransferSyntax, []byte(ts))
		buf = appendItem(buf, itemPresentationContextAC, payload)
	}
	return append(buf, encodeUserInformation(maxPDU)...)
}

type acceptedContext struct {
	result         byte
	transferSyntax string
}

func decodeAssociateAC(data []byte) (map[byte]acceptedContext, *associateRQ, error) {
	if len(data) < 68 {
		return nil, nil, fmt.Errorf("%w: A-ASSOCIATE-AC too short", ErrDimseFailure)
	}
	info := &associateRQ{
		calledAE:  trimAET(data[4:20]),
		callingAE: trimAET(data[20:36]),
	}
	results := make(map[byte]acceptedContext)
	err := forEachItem(data[68:], func(typ byte, payload []byte) error {
		switch typ {
		case itemApplicationContext:
			info.applicationContext = normalizeUID(payload)
		case itemPresentationContextAC:
			if len(payload) < 4 {
				return fmt.Errorf("%w: short presentation context item", ErrDimseFailure)
			}
			ac := acceptedContext{result: payload[2]}
			err := forEachItem(payload[4:], func(typ byte, sub []byte) error {
				if typ == itemTransferSyntax {
					ac.transferSyntax = normalizeUID(sub)
				}
				return nil
			})
			if err != nil {
				return err
			}
			results[payload[0]] = ac
		case itemUserInformation:
			return parseUserInformation(payload, info)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return results, info, nil
}

func encodeAssociateRJ(result, source, reason byte) []byte {
	return []byte{0, result, source, reason}
}

func decodeAssociateRJ(data []byte) *RejectError {
	if len(data) < 4 {
		return &RejectError{}
	}
	return &RejectError{Result: data[1], Source: data[2], Reason: data[3]}
}

func encodeAbort(source, reason byte) []byte {
	return []byte{0, 0, source, reason}
}

func decodeAbort(data []byte) *AbortError {
	if len(data) < 4 {
		return &AbortError{}
	}
	return &AbortError{Source: data[2], Reason: data[3]}
}
