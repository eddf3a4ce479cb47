package toppan

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goingest/pkg/parser"
)

func jsonEqual(actual, expected []byte) bool {
	var a, e any
	if json.Unmarshal(actual, &a) != nil || json.Unmarshal(expected, &e) != nil {
		return false
	}
	return reflect.DeepEqual(a, e)
}

func newGolden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden.json"),
		goldie.WithEqualFn(jsonEqual),
	)
}

const ackReport = `TOPPAN PRINT JOB ACKNOWLEDGEMENT
Data File : URA-DPT-RD2-D1-20250101
Status : COMPLETED
Total accounts printed : 3

Successfully Processed
500500303J   TAN AH KOW
500500305L   LIM BEE HOON

Overseas Address Report
500500306M   JOHN SMITH

Error Report
Total accounts with error : 1
500500304K   INCOMPLETE ADDRESS
`

func TestParseAck_Golden(t *testing.T) {
	out, err := New(time.UTC).Parse([]byte(ackReport), "DPT-URA-LOG-D2-20250101")
	require.NoError(t, err)

	newGolden(t).AssertJson(t, "log_d2_ack", parser.Normalize(out))
}

func TestParseAck_StageMissing(t *testing.T) {
	_, err := New(nil).Parse([]byte("Status : COMPLETED\n500500303J  X\n"), "DPT-URA-LOG-D2-20250101")
	require.Error(t, err)
	var pe *parser.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeStageMissing, pe.Code)
}

func TestParseAck_CountWarnings(t *testing.T) {
	report := strings.Replace(ackReport, "Total accounts with error : 1", "Total accounts with error : 2", 1)
	out, err := New(nil).Parse([]byte(report), "DPT-URA-LOG-D2-20250101")
	require.NoError(t, err)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "2 accounts with error")
}

func TestParseAck_NoticeOutsideSection(t *testing.T) {
	report := "Data File : URA-DPT-DN2-D1-20250101\n500500303J  X\n"
	out, err := New(nil).Parse([]byte(report), "DPT-URA-LOG-D2-20250101")
	require.NoError(t, err)
	assert.Equal(t, StageDN2, out.Stage)
	assert.Empty(t, out.SuccessfulCaseIDs)
	require.Len(t, out.Warnings, 1)
}

func TestParse_Routing(t *testing.T) {
	tests := []struct {
		name     string
		wantCode string
	}{
		{name: "DPT-URA-LOG-PDF-20250101", wantCode: parser.CodeUnsupportedType},
		{name: "DPT-URA-PDF-D2-20250101", wantCode: parser.CodeUnsupportedType},
		{name: "SOMETHING-ELSE", wantCode: parser.CodeUnsupportedType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(nil).Parse([]byte("x"), tt.name)
			var pe *parser.ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.wantCode, pe.Code)
		})
	}

	_, err := New(nil).Parse(nil, "DPT-URA-LOG-D2-20250101")
	var pe *parser.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, parser.CodeEmptyFile, pe.Code)
}

func returnHeader(stamp, fileType string) string {
	return "H" + stamp + pad(fileType, 5) + strings.Repeat(" ", 12)
}

func returnTrailer(printed, rejected, total string) string {
	return "T" + printed + rejected + total + strings.Repeat(" ", 8)
}

type detailFields struct {
	date, notice, nric, postal, dateTime, regNo string
}

func returnDetail(f detailFields) string {
	b := []byte(strings.Repeat(" ", 237))
	put := func(start int, v string) { copy(b[start:], v) }
	put(0, f.date)
	put(10, f.notice)
	put(86, f.nric)
	put(185, f.postal)
	put(203, f.dateTime)
	put(222, f.regNo)
	return "D" + string(b)
}

func pad(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

func returnFile(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

var validDetail = detailFields{
	date:     "01-01-2025",
	notice:   "500500303J",
	nric:     "S1234567D",
	postal:   "123456",
	dateTime: "01-01-2025 09:30 AM",
	regNo:    "RR123456789SG",
}

func TestParseReturn_Golden(t *testing.T) {
	bad := validDetail
	bad.notice = "50050030X1"

	data := returnFile(
		returnHeader("202501020830", "RD2"),
		returnDetail(validDetail),
		returnDetail(bad),
		returnTrailer("0000002", "0000001", "0000003"),
	)

	out, err := New(time.UTC).Parse(data, "DPT-URA-RD2-D2-20250102")
	require.NoError(t, err)
	assert.True(t, out.AuxiliaryOnly)

	newGolden(t).AssertJson(t, "rd2_return", parser.Normalize(out))
}

func TestParseReturn_DN2Stage(t *testing.T) {
	data := returnFile(
		returnHeader("202501020830", "DN2"),
		returnDetail(validDetail),
		returnTrailer("0000001", "0000000", "0000001"),
	)
	out, err := New(nil).Parse(data, "DPT-URA-DN2-D2-20250102")
	require.NoError(t, err)
	assert.Equal(t, StageDN2, out.Stage)
	assert.Empty(t, out.Warnings)
	regn, ok := out.Aux("500500303J", parser.AuxPostalRegnNo)
	require.True(t, ok)
	assert.Equal(t, "RR123456789SG", regn)
}

func TestParseReturn_HeaderTypeMismatchWarns(t *testing.T) {
	data := returnFile(
		returnHeader("202501020830", "DN2"),
		returnDetail(validDetail),
		returnTrailer("0000001", "0000000", "0000001"),
	)
	out, err := New(nil).Parse(data, "DPT-URA-RD2-D2-20250102")
	require.NoError(t, err)
	assert.Equal(t, StageRD2, out.Stage)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "header file type")
}

func TestParseReturn_Errors(t *testing.T) {
	detail := returnDetail(validDetail)
	okHeader := returnHeader("202501020830", "RD2")

	tests := []struct {
		name     string
		data     []byte
		wantCode string
	}{
		{name: "blank lines only", data: []byte("\r\n  \r\n"), wantCode: parser.CodeEmptyFile},
		{name: "no header", data: returnFile(detail), wantCode: parser.CodeHeaderInvalid},
		{name: "bad month", data: returnFile(returnHeader("202513020830", "RD2"), detail), wantCode: parser.CodeHeaderInvalid},
		{name: "bad hour", data: returnFile(returnHeader("202501022530", "RD2"), detail), wantCode: parser.CodeHeaderInvalid},
		{name: "year out of range", data: returnFile(returnHeader("190001020830", "RD2"), detail), wantCode: parser.CodeHeaderInvalid},
		{name: "header filler", data: returnFile(okHeader+"X", detail), wantCode: parser.CodeHeaderInvalid},
		{name: "trailer missing", data: returnFile(okHeader, detail), wantCode: parser.CodeTrailerMissing},
		{name: "trailer short", data: returnFile(okHeader, detail, "T00001"), wantCode: parser.CodeTrailerInvalid},
		{name: "trailer not numeric", data: returnFile(okHeader, detail, returnTrailer("00000AB", "0000000", "0000001")), wantCode: parser.CodeTrailerInvalid},
		{name: "printed without details", data: returnFile(okHeader, returnTrailer("0000001", "0000000", "0000001")), wantCode: parser.CodeTrailerCountMismatch},
		{name: "counts exceed total", data: returnFile(okHeader, detail, returnTrailer("0000001", "0000001", "0000001")), wantCode: parser.CodeTrailerCountMismatch},
		{name: "trailer filler", data: returnFile(okHeader, detail, returnTrailer("0000001", "0000000", "0000001")+"X"), wantCode: parser.CodeFieldInvalidFiller},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(nil).Parse(tt.data, "DPT-URA-RD2-D2-20250102")
			require.Error(t, err)
			var pe *parser.ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.wantCode, pe.Code)
		})
	}
}

func TestParseReturnDetail(t *testing.T) {
	body := func(f detailFields) string { return returnDetail(f)[1:] }
	with := func(mut func(*detailFields)) string {
		f := validDetail
		mut(&f)
		return body(f)
	}

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "valid", content: body(validDetail), want: ""},
		{name: "optional fields blank", content: with(func(f *detailFields) { f.date, f.postal, f.dateTime, f.regNo = "", "", "", "" }), want: ""},
		{name: "too short", content: "01-01-2025", want: CodeMissingData},
		{name: "bad date", content: with(func(f *detailFields) { f.date = "32-01-2025" }), want: CodeInvalidDate},
		{name: "missing notice", content: with(func(f *detailFields) { f.notice = "" }), want: CodeMissingNotice},
		{name: "notice symbols", content: with(func(f *detailFields) { f.notice = "50050030-J" }), want: CodeInvalidSymbolsNotice},
		{name: "notice format", content: with(func(f *detailFields) { f.notice = "J500500303" }), want: CodeInvalidFormatNotice},
		{name: "nric truncated", content: body(validDetail)[:90], want: CodeMissingNRIC},
		{name: "nric blank", content: with(func(f *detailFields) { f.nric = "" }), want: CodeMissingNRIC},
		{name: "nric symbols", content: with(func(f *detailFields) { f.nric = "S123-567D" }), want: CodeInvalidSymbolsNRIC},
		{name: "postal", content: with(func(f *detailFields) { f.postal = "12A456" }), want: CodeInvalidPostal},
		{name: "date time", content: with(func(f *detailFields) { f.dateTime = "01-01-2025 09:30 XX" }), want: CodeInvalidDateTime},
		{name: "reg symbols", content: with(func(f *detailFields) { f.regNo = "RR-23456789SG" }), want: CodeInvalidSymbolsReg},
		{name: "reg format", content: with(func(f *detailFields) { f.regNo = "R1234567890SG" }), want: CodeInvalidFormatReg},
		{name: "reg other length", content: with(func(f *detailFields) { f.regNo = "AB12345" }), want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, code := parseReturnDetail(tt.content)
			assert.Equal(t, tt.want, code)
		})
	}
}
