package discovery

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goingest/pkg/provider"
)

type fakeStore struct {
	mu      sync.Mutex
	dirs    map[string][]string
	listErr error
	listed  []string
}

func (s *fakeStore) List(ctx context.Context, dir string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listed = append(s.listed, dir)
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]string(nil), s.dirs[dir]...), nil
}

func (s *fakeStore) Download(ctx context.Context, p string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStore) Delete(ctx context.Context, p string) (bool, error) {
	return false, errors.New("not implemented")
}

type claimSet map[string]bool

func (c claimSet) IsClaimed(ctx context.Context, agency, path string) (bool, error) {
	return c[path], nil
}

type failingClaims struct{}

func (failingClaims) IsClaimed(ctx context.Context, agency, path string) (bool, error) {
	return false, errors.New("database is locked")
}

var fixedNow = time.Date(2025, 1, 2, 9, 30, 0, 0, time.UTC)

func newDiscoverer(t *testing.T, store *fakeStore, claims ClaimChecker) *Discoverer {
	t.Helper()
	d, err := New(Config{Store: store, Claims: claims, Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	return d
}

func TestAgency_Classify(t *testing.T) {
	tests := []struct {
		name     string
		agency   Agency
		file     string
		wantOK   bool
		wantKey  string
		wantType string
		wantKind Kind
	}{
		{name: "lta plain", agency: LTA(), file: "VRL-URA-OFFREPLY-D2-20250101093000", wantOK: true, wantKey: "20250101093000", wantType: "OFFREPLY", wantKind: KindPlain},
		{name: "lta encrypted", agency: LTA(), file: "VRL-URA-OFFREPLY-D2-20250101093000.p7", wantOK: true, wantKey: "20250101093000", wantType: "OFFREPLY", wantKind: KindEncrypted},
		{name: "lta short timestamp", agency: LTA(), file: "VRL-URA-OFFREPLY-D2-202501010930", wantOK: false},
		{name: "lta unrelated", agency: LTA(), file: "README.txt", wantOK: false},
		{name: "toppan log", agency: Toppan(), file: "DPT-URA-LOG-D2-20250101", wantOK: true, wantKey: "20250101", wantType: "LOG-D2", wantKind: KindPlain},
		{name: "toppan log pdf", agency: Toppan(), file: "DPT-URA-LOG-PDF-20250101.pdf", wantOK: true, wantKey: "20250101", wantType: "LOG-PDF", wantKind: KindAckOnly},
		{name: "toppan pdf", agency: Toppan(), file: "DPT-URA-PDF-D2-20250101", wantOK: true, wantKey: "20250101", wantType: "PDF-D2", wantKind: KindAckOnly},
		{name: "toppan pdf encrypted", agency: Toppan(), file: "DPT-URA-PDF-D2-20250101.p7", wantOK: true, wantKey: "20250101", wantType: "PDF-D2", wantKind: KindEncrypted},
		{name: "toppan rd2 encrypted", agency: Toppan(), file: "DPT-URA-RD2-D2-20250101.p7", wantOK: true, wantKey: "20250101", wantType: "RD2-D2", wantKind: KindEncrypted},
		{name: "toppan unknown type", agency: Toppan(), file: "DPT-URA-XYZ-D2-20250101", wantOK: false},
		{name: "hidden temp file", agency: LTA(), file: ".goingest-put-VRL-URA-OFFREPLY-D2-20250101093000", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, typ, kind, ok := tt.agency.Classify(tt.file)
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, tt.wantKey, key)
			assert.Equal(t, tt.wantType, typ)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestList_FlagsEncryptedAckOnly(t *testing.T) {
	store := &fakeStore{dirs: map[string][]string{
		"/output": {"DPT-URA-LOG-PDF-20250101.p7", "DPT-URA-PDF-D2-20250101", "DPT-URA-RD2-D2-20250101.p7"},
	}}
	d := newDiscoverer(t, store, nil)
	files, err := d.List(context.Background(), AgencyToppan)
	require.NoError(t, err)
	require.Len(t, files, 3)

	byName := make(map[string]RemoteFile)
	for _, f := range files {
		byName[f.Name] = f
	}
	logPDF := byName["DPT-URA-LOG-PDF-20250101.p7"]
	assert.Equal(t, KindEncrypted, logPDF.Kind)
	assert.True(t, logPDF.AckOnly)
	assert.True(t, logPDF.SkipsParse())

	pdf := byName["DPT-URA-PDF-D2-20250101"]
	assert.Equal(t, KindAckOnly, pdf.Kind)
	assert.True(t, pdf.SkipsParse())

	rd2 := byName["DPT-URA-RD2-D2-20250101.p7"]
	assert.False(t, rd2.AckOnly)
	assert.False(t, rd2.SkipsParse())
}

func TestAgency_Ignore(t *testing.T) {
	a := Toppan()
	a.Ignore = []string{"*.bak", "DPT-URA-LOG-D2-1999*"}
	require.NoError(t, a.Validate())

	_, _, _, ok := a.Classify("DPT-URA-RD2-D2-20250101.bak")
	assert.False(t, ok)
	_, _, _, ok = a.Classify("DPT-URA-LOG-D2-19990101")
	assert.False(t, ok)
	_, _, _, ok = a.Classify("DPT-URA-LOG-D2-20250101")
	assert.True(t, ok)
}

func TestAgency_Validate(t *testing.T) {
	assert.NoError(t, LTA().Validate())
	assert.NoError(t, Toppan().Validate())

	bad := LTA()
	bad.KeyGroup = 3
	assert.Error(t, bad.Validate())

	bad = LTA()
	bad.Pattern = nil
	assert.Error(t, bad.Validate())

	bad = Toppan()
	bad.Ignore = []string{"[unclosed"}
	assert.Error(t, bad.Validate())

	bad = Agency{Name: "X", Directory: "/in", Pattern: regexp.MustCompile(`^X`)}
	assert.Error(t, bad.Validate(), "pattern without a key group")
}

func TestDiscoverer_List(t *testing.T) {
	store := &fakeStore{dirs: map[string][]string{
		"/nro/output": {
			"VRL-URA-OFFREPLY-D2-20250101093000.p7",
			"notes.txt",
			"VRL-URA-OFFREPLY-D2-20250101080000",
		},
	}}
	d := newDiscoverer(t, store, nil)

	files, err := d.List(context.Background(), AgencyLTA)
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, "VRL-URA-OFFREPLY-D2-20250101080000", files[0].Name)
	assert.Equal(t, KindPlain, files[0].Kind)
	assert.Equal(t, "/nro/output/VRL-URA-OFFREPLY-D2-20250101080000", files[0].Path())
	assert.Equal(t, fixedNow, files[0].DiscoveredAt)
	assert.Equal(t, AgencyLTA, files[0].Agency)

	assert.Equal(t, KindEncrypted, files[1].Kind)
	assert.Equal(t, "VRL-URA-OFFREPLY-D2-20250101093000", files[1].NormalizedName())
}

func TestDiscoverer_SkipsClaimedFiles(t *testing.T) {
	store := &fakeStore{dirs: map[string][]string{
		"/output": {"DPT-URA-RD2-D2-20250101.p7", "DPT-URA-LOG-D2-20250101"},
	}}
	d := newDiscoverer(t, store, claimSet{"/output/DPT-URA-RD2-D2-20250101.p7": true})

	files, err := d.List(context.Background(), AgencyToppan)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "DPT-URA-LOG-D2-20250101", files[0].Name)
}

func TestDiscoverer_ListFailureIsFatal(t *testing.T) {
	listErr := errors.New("connection reset")
	d := newDiscoverer(t, &fakeStore{listErr: listErr}, nil)

	files, err := d.List(context.Background(), AgencyLTA)
	assert.Nil(t, files)
	var de *DiscoveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, AgencyLTA, de.Agency)
	assert.Equal(t, "/nro/output", de.Directory)
	assert.ErrorIs(t, err, listErr)
	assert.False(t, de.Transient())
}

func TestDiscoverer_ThrottledListIsTransient(t *testing.T) {
	listErr := &provider.ProviderError{Op: "List", Provider: provider.ProviderSFTP, Err: provider.ErrThrottled}
	d := newDiscoverer(t, &fakeStore{listErr: listErr}, nil)

	_, err := d.List(context.Background(), AgencyLTA)
	var de *DiscoveryError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.Transient())
}

func TestDiscoverer_ClaimLookupFailureIsFatal(t *testing.T) {
	store := &fakeStore{dirs: map[string][]string{"/output": {"DPT-URA-LOG-D2-20250101"}}}
	d := newDiscoverer(t, store, failingClaims{})

	files, err := d.List(context.Background(), AgencyToppan)
	assert.Nil(t, files)
	var de *DiscoveryError
	require.ErrorAs(t, err, &de)
}

func TestDiscoverer_UnknownAgency(t *testing.T) {
	d := newDiscoverer(t, &fakeStore{}, nil)
	_, err := d.List(context.Background(), "NOPE")
	var de *DiscoveryError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, ErrUnknownAgency)
}

func TestNew_RejectsMismatchedAgencyKey(t *testing.T) {
	_, err := New(Config{Store: &fakeStore{}, Agencies: map[string]Agency{"lta": LTA()}})
	require.Error(t, err)

	_, err = New(Config{})
	require.Error(t, err)
}

func TestGroupByKeyAndPrimary(t *testing.T) {
	store := &fakeStore{dirs: map[string][]string{
		"/output": {
			"DPT-URA-LOG-PDF-20250101.pdf",
			"DPT-URA-RD2-D2-20250101.p7",
			"DPT-URA-LOG-D2-20250101",
			"DPT-URA-DN2-D2-20250102",
		},
	}}
	d := newDiscoverer(t, store, nil)
	files, err := d.List(context.Background(), AgencyToppan)
	require.NoError(t, err)

	groups := GroupByKey(files)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"20250101", "20250102"}, SortedKeys(groups))
	assert.Len(t, groups["20250101"], 3)

	a, _ := d.Agency(AgencyToppan)
	primary, ok := a.Primary(groups["20250101"])
	require.True(t, ok)
	assert.NotEqual(t, KindAckOnly, primary.Kind)

	_, ok = a.Primary([]RemoteFile{{Name: "DPT-URA-LOG-PDF-1", Kind: KindAckOnly}})
	assert.False(t, ok)
	_, ok = a.Primary([]RemoteFile{{Name: "DPT-URA-LOG-PDF-1.p7", Kind: KindEncrypted, AckOnly: true}})
	assert.False(t, ok)

	lta := LTA()
	_, ok = lta.Primary([]RemoteFile{{Name: "VRL-URA-OTHER-D2-20250101093000", Kind: KindPlain}})
	assert.False(t, ok)
	p, ok := lta.Primary([]RemoteFile{{Name: "VRL-URA-OFFREPLY-D2-20250101093000", Kind: KindPlain}})
	require.True(t, ok)
	assert.Equal(t, "VRL-URA-OFFREPLY-D2-20250101093000", p.Name)
}
