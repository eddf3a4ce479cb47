// Package toppan parses files returned by the letter printing and
// registered-mail vendor.
//
// Two layouts are handled: the acknowledgement report (LOG-D2), which is free
// text listing printed and rejected notices, and the registered-mail return
// file (RD2-D2, DN2-D2), which is fixed width and carries the postal
// registration number assigned to each registered letter.
package toppan

import (
	"bufio"
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/goingest/pkg/parser"
)

// File name prefixes.
const (
	PrefixAck       = "DPT-URA-LOG-D2-"
	PrefixAckPDF    = "DPT-URA-LOG-PDF-"
	PrefixRD2Return = "DPT-URA-RD2-D2-"
	PrefixDN2Return = "DPT-URA-DN2-D2-"
	PrefixPDFReturn = "DPT-URA-PDF-D2-"
)

// Stages confirmed by return files.
const (
	StageRD2 = "RD2"
	StageDN2 = "DN2"
)

// Auxiliary keys specific to vendor files.
const (
	AuxNoticeDate     = "notice_date"
	AuxNoticeDateTime = "notice_date_time"
)

// CodeStageMissing is returned when an acknowledgement report names no data file.
const CodeStageMissing = "STAGE_MISSING"

// Parser decodes vendor files.
type Parser struct {
	// Location interprets header run times. Default: UTC.
	Location *time.Location
}

var _ parser.Parser = (*Parser)(nil)

// New returns a parser using loc for header timestamps.
func New(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	return &Parser{Location: loc}
}

// Parse routes on the file name prefix.
func (p *Parser) Parse(plaintext []byte, normalizedFileName string) (parser.ParsedOutcome, error) {
	out := parser.ParsedOutcome{SourceFile: normalizedFileName}
	if len(plaintext) == 0 {
		return out, parser.Errorf(parser.CodeEmptyFile, 0, "file is empty")
	}
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}

	name := strings.ToUpper(normalizedFileName)
	switch {
	case strings.HasPrefix(name, PrefixAck):
		return parseAck(plaintext, out)
	case strings.HasPrefix(name, PrefixRD2Return):
		return parseReturn(plaintext, StageRD2, out, loc)
	case strings.HasPrefix(name, PrefixDN2Return):
		return parseReturn(plaintext, StageDN2, out, loc)
	case strings.HasPrefix(name, PrefixAckPDF), strings.HasPrefix(name, PrefixPDFReturn):
		return out, parser.Errorf(parser.CodeUnsupportedType, 0, "%s is acknowledgement only", normalizedFileName)
	default:
		return out, parser.Errorf(parser.CodeUnsupportedType, 0, "unrecognised file %s", normalizedFileName)
	}
}

var (
	dataFilePattern     = regexp.MustCompile(`Data File\s*:\s*(URA-DPT-(\w+)-D1-\d+)`)
	statusPattern       = regexp.MustCompile(`Status\s*:\s*(.+)`)
	totalPrintedPattern = regexp.MustCompile(`Total accounts printed\s*:\s*(\d+)`)
	totalErrorsPattern  = regexp.MustCompile(`Total accounts with error.*:\s*(\d+)`)
	noticePattern       = regexp.MustCompile(`^(\d{9}[A-Z])\s+`)
)

type section int

const (
	sectionNone section = iota
	sectionSuccess
	sectionError
	sectionOverseas
)

func parseAck(plaintext []byte, out parser.ParsedOutcome) (parser.ParsedOutcome, error) {
	var (
		current      = sectionNone
		totalPrinted = -1
		totalErrors  = -1
	)

	sc := bufio.NewScanner(bytes.NewReader(plaintext))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")

		if m := dataFilePattern.FindStringSubmatch(line); m != nil && out.Stage == "" {
			out.Stage = m[2]
		}

		switch {
		case strings.Contains(line, "Error Report"), strings.Contains(line, "accounts with error"):
			current = sectionError
		case strings.Contains(line, "Overseas Address Report"):
			current = sectionOverseas
		case strings.Contains(line, "Successfully Processed"), strings.Contains(line, "Summary Report"):
			current = sectionSuccess
		}

		if m := totalErrorsPattern.FindStringSubmatch(line); m != nil {
			totalErrors, _ = strconv.Atoi(m[1])
		}
		if m := totalPrintedPattern.FindStringSubmatch(line); m != nil {
			totalPrinted, _ = strconv.Atoi(m[1])
		}
		if m := statusPattern.FindStringSubmatch(line); m != nil {
			out.Status = strings.TrimSpace(m[1])
		}

		if m := noticePattern.FindStringSubmatch(line); m != nil {
			switch current {
			case sectionError:
				out.FailedCaseIDs = append(out.FailedCaseIDs, m[1])
			case sectionSuccess, sectionOverseas:
				out.SuccessfulCaseIDs = append(out.SuccessfulCaseIDs, m[1])
			default:
				out.Warnf("notice %s listed outside any report section", m[1])
			}
		}
	}
	if err := sc.Err(); err != nil {
		return out, parser.Errorf(parser.CodeUnsupportedType, 0, "read report: %v", err)
	}

	if out.Stage == "" {
		return out, parser.Errorf(CodeStageMissing, 0, "no data file reference found")
	}
	if totalErrors >= 0 && totalErrors != countDistinct(out.FailedCaseIDs) {
		out.Warnf("report states %d accounts with error, %d listed", totalErrors, countDistinct(out.FailedCaseIDs))
	}
	if totalPrinted >= 0 && totalPrinted < countDistinct(out.SuccessfulCaseIDs) {
		out.Warnf("report states %d accounts printed, %d listed as processed", totalPrinted, countDistinct(out.SuccessfulCaseIDs))
	}
	return out, nil
}

func countDistinct(ids []string) int {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return len(seen)
}

// Field validation codes for return file details. A detail that fails
// validation is skipped with a warning; the rest of the file still applies.
const (
	CodeMissingData          = "FIELD_MISSING_DATA"
	CodeInvalidDate          = "FIELD_INVALID_TYPE_DATE"
	CodeMissingNotice        = "FIELD_MISSING_NOTICE"
	CodeInvalidSymbolsNotice = "FIELD_INVALID_SYMBOLS_NOTICE"
	CodeInvalidFormatNotice  = "FIELD_INVALID_FORMAT_NOTICE"
	CodeMissingNRIC          = "FIELD_MISSING_NRIC"
	CodeInvalidSymbolsNRIC   = "FIELD_INVALID_SYMBOLS_NRIC"
	CodeInvalidPostal        = "FIELD_INVALID_TYPE_POSTAL"
	CodeInvalidDateTime      = "FIELD_INVALID_TYPE_DATETIME"
	CodeInvalidSymbolsReg    = "FIELD_INVALID_SYMBOLS_REG"
	CodeInvalidFormatReg     = "FIELD_INVALID_FORMAT_REG"
)

const (
	headerMinLength  = 18
	trailerMinLength = 22
)

var (
	alnumPattern      = regexp.MustCompile(`^[0-9A-Z]+$`)
	noticeNoPattern   = regexp.MustCompile(`^[0-9]{9}[A-Z]$`)
	datePattern       = regexp.MustCompile(`^\d{2}-\d{2}-\d{4}$`)
	dateTimePattern   = regexp.MustCompile(`^\d{2}-\d{2}-\d{4} \d{2}:\d{2} (AM|PM)$`)
	postalPattern     = regexp.MustCompile(`^\d{6}$`)
	registeredPattern = regexp.MustCompile(`^[A-Z]{2}\d{9}[A-Z]{2}$`)
)

type returnDetail struct {
	noticeNo   string
	nric       string
	postal     string
	regNo      string
	noticeDate string
	noticeTime string
}

func parseReturn(plaintext []byte, stage string, out parser.ParsedOutcome, loc *time.Location) (parser.ParsedOutcome, error) {
	out.Stage = stage
	out.AuxiliaryOnly = true

	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(plaintext))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return out, parser.Errorf(parser.CodeEmptyFile, 0, "read file: %v", err)
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return out, parser.Errorf(parser.CodeEmptyFile, 0, "file has no records")
	}

	runAt, err := parseReturnHeader(lines[0], stage, &out, loc)
	if err != nil {
		return out, err
	}
	out.ProcessedAt = runAt

	details := 0
	trailerSeen := false
	for i, line := range lines[1:] {
		lineNo := i + 2
		if strings.TrimSpace(line) == "" {
			continue
		}
		switch line[0] {
		case 'D':
			details++
			d, code := parseReturnDetail(line[1:])
			if code != "" {
				out.Warnf("line %d: skipped detail: %s", lineNo, code)
				continue
			}
			out.SuccessfulCaseIDs = append(out.SuccessfulCaseIDs, d.noticeNo)
			out.SetAux(d.noticeNo, parser.AuxPostalRegnNo, d.regNo)
			out.SetAux(d.noticeNo, parser.AuxPostalCode, d.postal)
			out.SetAux(d.noticeNo, parser.AuxOwnerID, d.nric)
			out.SetAux(d.noticeNo, AuxNoticeDate, d.noticeDate)
			out.SetAux(d.noticeNo, AuxNoticeDateTime, d.noticeTime)
		case 'T':
			if err := checkReturnTrailer(line, lineNo, details, &out); err != nil {
				return out, err
			}
			trailerSeen = true
		default:
			out.Warnf("line %d: unknown record type %q", lineNo, line[0])
		}
		if trailerSeen {
			break
		}
	}

	if !trailerSeen {
		return out, parser.Errorf(parser.CodeTrailerMissing, 0, "no trailer record")
	}
	return out, nil
}

func parseReturnHeader(line, stage string, out *parser.ParsedOutcome, loc *time.Location) (time.Time, error) {
	if len(line) < headerMinLength || line[0] != 'H' {
		return time.Time{}, parser.Errorf(parser.CodeHeaderInvalid, 1, "header record missing or too short")
	}
	date := line[1:9]
	hhmm := line[9:13]
	fileType := strings.TrimSpace(line[13:18])

	if _, err := strconv.Atoi(date); err != nil {
		return time.Time{}, parser.Errorf(parser.CodeHeaderInvalid, 1, "header date %q is not numeric", date)
	}
	year, _ := strconv.Atoi(date[0:4])
	if year < 2000 || year > 2099 {
		return time.Time{}, parser.Errorf(parser.CodeHeaderInvalid, 1, "header year %d out of range", year)
	}
	runAt, err := time.ParseInLocation("200601021504", date+hhmm, loc)
	if err != nil {
		return time.Time{}, parser.Errorf(parser.CodeHeaderInvalid, 1, "header date/time %q: %v", date+hhmm, err)
	}
	if strings.TrimSpace(line[18:]) != "" {
		return time.Time{}, parser.Errorf(parser.CodeHeaderInvalid, 1, "header filler is not blank")
	}
	if fileType != stage {
		out.Warnf("header file type %q, expected %q", fileType, stage)
	}
	return runAt, nil
}

func checkReturnTrailer(line string, lineNo, details int, out *parser.ParsedOutcome) error {
	if len(line) < trailerMinLength {
		return parser.Errorf(parser.CodeTrailerInvalid, lineNo, "trailer too short")
	}
	content := line[1:]
	printed, err1 := strconv.Atoi(strings.TrimSpace(content[0:7]))
	rejected, err2 := strconv.Atoi(strings.TrimSpace(content[7:14]))
	total, err3 := strconv.Atoi(strings.TrimSpace(content[14:21]))
	if err1 != nil || err2 != nil || err3 != nil {
		return parser.Errorf(parser.CodeTrailerInvalid, lineNo, "trailer counts are not numeric")
	}
	if printed > 0 && details == 0 {
		return parser.Errorf(parser.CodeTrailerCountMismatch, lineNo, "trailer reports %d printed but file has no details", printed)
	}
	if printed+rejected > total {
		return parser.Errorf(parser.CodeTrailerCountMismatch, lineNo, "printed %d plus rejected %d exceeds total %d", printed, rejected, total)
	}
	if strings.TrimSpace(line[trailerMinLength:]) != "" {
		return parser.Errorf(parser.CodeFieldInvalidFiller, lineNo, "trailer filler is not blank")
	}
	if printed != details {
		out.Warnf("trailer reports %d printed, file has %d details", printed, details)
	}
	return nil
}

// parseReturnDetail validates a detail body (record type stripped) and
// returns the extracted fields or the first failing validation code.
func parseReturnDetail(content string) (returnDetail, string) {
	var d returnDetail
	if len(content) < 20 {
		return d, CodeMissingData
	}

	d.noticeDate = strings.TrimSpace(content[0:10])
	if d.noticeDate != "" && !validDate(d.noticeDate) {
		return d, CodeInvalidDate
	}

	d.noticeNo = strings.TrimSpace(content[10:20])
	switch {
	case d.noticeNo == "":
		return d, CodeMissingNotice
	case !alnumPattern.MatchString(d.noticeNo):
		return d, CodeInvalidSymbolsNotice
	case !noticeNoPattern.MatchString(d.noticeNo):
		return d, CodeInvalidFormatNotice
	}

	if len(content) < 106 {
		return d, CodeMissingNRIC
	}
	d.nric = strings.TrimSpace(content[86:106])
	switch {
	case d.nric == "":
		return d, CodeMissingNRIC
	case !alnumPattern.MatchString(d.nric):
		return d, CodeInvalidSymbolsNRIC
	}

	if len(content) >= 191 {
		d.postal = strings.TrimSpace(content[185:191])
		if d.postal != "" && !postalPattern.MatchString(d.postal) {
			return d, CodeInvalidPostal
		}
	}

	if len(content) >= 222 {
		d.noticeTime = strings.TrimSpace(content[203:222])
		if d.noticeTime != "" && !dateTimePattern.MatchString(d.noticeTime) {
			return d, CodeInvalidDateTime
		}
	}

	if len(content) >= 237 {
		d.regNo = strings.TrimSpace(content[222:237])
		if d.regNo != "" {
			if !alnumPattern.MatchString(d.regNo) {
				return d, CodeInvalidSymbolsReg
			}
			if len(d.regNo) == 13 && !registeredPattern.MatchString(d.regNo) {
				return d, CodeInvalidFormatReg
			}
		}
	}
	return d, ""
}

func validDate(s string) bool {
	if !datePattern.MatchString(s) {
		return false
	}
	_, err := time.Parse("02-01-2006", s)
	return err == nil
}
