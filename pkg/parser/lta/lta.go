// Package lta parses vehicle registry (LTA) owner lookup replies.
//
// A reply file holds fixed-width records of RecordLength characters: one
// header (H), any number of details (D) and one trailer (T). Each detail
// answers one offence notice.
package lta

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/goingest/pkg/parser"
)

// StageROV is the registry lookup stage confirmed by a successful reply.
const StageROV = "ROV"

// Auxiliary keys specific to registry replies.
const (
	AuxLTAError       = "lta_error"
	AuxChassisNo      = "chassis_no"
	AuxDiplomaticFlag = "diplomatic_flag"
	AuxMake           = "vehicle_make"
	AuxPrimaryColour  = "primary_colour"
	AuxRoadTaxExpiry  = "road_tax_expiry"
	AuxAddress        = "registered_address"
	AuxMailingAddress = "mailing_address"
	AuxDeregistered   = "deregistration_date"
)

// Per-notice error codes.
var noticeErrors = map[string]string{
	"1": "Reserved",
	"2": "Record Not Found",
	"3": "Deregistered Vehicle",
	"4": "Invalid Offence Date",
}

// File integrity error codes. Any of these fails the whole file.
const (
	CodeCountMismatch  = "A"
	CodeMissingHeader  = "B"
	CodeMissingTrailer = "C"
)

var integrityErrors = map[string]string{
	CodeCountMismatch:  "File integrity error A - Record count mismatch",
	CodeMissingHeader:  "File integrity error B - Missing header record",
	CodeMissingTrailer: "File integrity error C - Missing trailer record",
}

// NoticeErrorDescription returns the description for a per-notice error code.
func NoticeErrorDescription(code string) (string, bool) {
	d, ok := noticeErrors[code]
	return d, ok
}

// Parser decodes LTA reply files.
type Parser struct {
	// Location interprets processing dates. Default: UTC.
	Location *time.Location
}

var _ parser.Parser = (*Parser)(nil)

// New returns a parser using loc for processing timestamps.
func New(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	return &Parser{Location: loc}
}

type line string

func (l line) get(f field) string {
	if f.start >= len(l) {
		return ""
	}
	end := f.end
	if end > len(l) {
		end = len(l)
	}
	return strings.TrimSpace(string(l[f.start:end]))
}

// Parse decodes plaintext. Integrity failures return *parser.ParseError with
// code A, B or C.
func (p *Parser) Parse(plaintext []byte, normalizedFileName string) (parser.ParsedOutcome, error) {
	out := parser.ParsedOutcome{Stage: StageROV, SourceFile: normalizedFileName}
	if len(bytes.TrimSpace(plaintext)) == 0 {
		return out, parser.Errorf(parser.CodeEmptyFile, 0, "file has no records")
	}
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}

	var (
		sawHeader    bool
		headerDate   time.Time
		trailerCount = -1
		trailerLine  int
		details      int
	)

	sc := bufio.NewScanner(bytes.NewReader(plaintext))
	sc.Buffer(make([]byte, 0, RecordLength+2), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := strings.TrimRight(sc.Text(), "\r")
		if raw == "" {
			continue
		}
		l := line(raw)
		if len(l) != RecordLength {
			out.Warnf("line %d: record length %d, expected %d", lineNo, len(l), RecordLength)
		}

		switch l[0] {
		case recordHeader:
			sawHeader = true
			if ts, ok := processingTime(l.get(fHeaderRunDate), "", loc); ok {
				headerDate = ts
			}
		case recordTrailer:
			n, err := strconv.Atoi(l.get(fTrailerCount))
			if err != nil {
				return out, parser.Errorf(parser.CodeTrailerInvalid, lineNo, "trailer record count %q is not a number", l.get(fTrailerCount))
			}
			trailerCount = n
			trailerLine = lineNo
		case recordDetail:
			details++
			if len(l) < fErrorCode.end {
				out.Warnf("line %d: detail record too short (%d characters), skipped", lineNo, len(l))
				continue
			}
			code := string(l[fErrorCode.start:fErrorCode.end])
			if desc, ok := integrityErrors[code]; ok {
				return out, parser.Errorf(code, lineNo, "%s", desc)
			}
			p.detail(&out, l, lineNo, loc)
		default:
			out.Warnf("line %d: unknown record type %q", lineNo, l[0])
		}
	}
	if err := sc.Err(); err != nil {
		return out, parser.Errorf(parser.CodeTrailerInvalid, lineNo, "read records: %v", err)
	}

	if !sawHeader {
		return out, parser.Errorf(CodeMissingHeader, 0, "%s", integrityErrors[CodeMissingHeader])
	}
	if trailerCount < 0 {
		return out, parser.Errorf(CodeMissingTrailer, 0, "%s", integrityErrors[CodeMissingTrailer])
	}
	if out.ProcessedAt.IsZero() {
		out.ProcessedAt = headerDate
	}
	if trailerCount != details {
		return out, parser.Errorf(CodeCountMismatch, trailerLine, "%s: trailer says %d, found %d",
			integrityErrors[CodeCountMismatch], trailerCount, details)
	}
	return out, nil
}

func (p *Parser) detail(out *parser.ParsedOutcome, l line, lineNo int, loc *time.Location) {
	notice := l.get(fNoticeNo)
	if notice == "" {
		out.Warnf("line %d: detail record has no notice number, skipped", lineNo)
		return
	}

	if out.ProcessedAt.IsZero() {
		if ts, ok := processingTime(l.get(fProcessingDate), l.get(fProcessingTime), loc); ok {
			out.ProcessedAt = ts
		}
	}

	out.SetAux(notice, parser.AuxVehicleNo, l.get(fVehicleNo))

	code := l.get(fErrorCode)
	if code != "" && code != "0" {
		desc, known := noticeErrors[code]
		if !known {
			desc = "Unknown error code " + code
			out.Warnf("line %d: notice %s has unknown error code %q", lineNo, notice, code)
		}
		out.FailedCaseIDs = append(out.FailedCaseIDs, notice)
		out.SetAux(notice, parser.AuxErrorCode, code)
		out.SetAux(notice, AuxLTAError, desc)
		return
	}

	out.SuccessfulCaseIDs = append(out.SuccessfulCaseIDs, notice)
	out.SetAux(notice, AuxChassisNo, l.get(fChassisNo))
	out.SetAux(notice, AuxDiplomaticFlag, l.get(fDiplomaticFlag))
	out.SetAux(notice, parser.AuxOwnerIDType, l.get(fOwnerIDType))
	out.SetAux(notice, parser.AuxOwnerID, l.get(fOwnerID))
	out.SetAux(notice, parser.AuxOwnerName, l.get(fOwnerName))
	out.SetAux(notice, parser.AuxPostalCode, l.get(fPostalCode))
	out.SetAux(notice, AuxMake, l.get(fMake))
	out.SetAux(notice, AuxPrimaryColour, l.get(fPrimaryColour))
	out.SetAux(notice, AuxRoadTaxExpiry, l.get(fRoadTaxExpiry))
	out.SetAux(notice, AuxDeregistered, l.get(fDeregistrationDate))
	out.SetAux(notice, AuxAddress, address(l, fBlockHouseNo, fStreetName, fFloorNo, fUnitNo, fBuildingName, fPostalCode))
	out.SetAux(notice, AuxMailingAddress, address(l, fMailBlockHouseNo, fMailStreetName, fMailFloorNo, fMailUnitNo, fMailBuildingName, fMailPostalCode))
}

// address renders "BLK STREET #FL-UNIT BUILDING POSTAL", skipping blanks.
func address(l line, blk, street, floor, unit, building, postal field) string {
	parts := []string{l.get(blk), l.get(street)}
	if f, u := l.get(floor), l.get(unit); f != "" || u != "" {
		parts = append(parts, "#"+f+"-"+u)
	}
	parts = append(parts, l.get(building), l.get(postal))

	var kept []string
	for _, s := range parts {
		if s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, " ")
}

func processingTime(date, hhmm string, loc *time.Location) (time.Time, bool) {
	if len(date) != 8 {
		return time.Time{}, false
	}
	if len(hhmm) != 4 {
		hhmm = "0000"
	}
	ts, err := time.ParseInLocation("200601021504", date+hhmm, loc)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
