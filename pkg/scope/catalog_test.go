package scope

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceScope/pkg/visa"
)

func TestParseListing(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		ext      string
		noFiles  bool
		entries  int
		eligible []string
	}{
		{
			name:     "semicolons mixed case",
			raw:      `"run1.csv;run2.CSV;notes.txt"`,
			ext:      ".csv",
			entries:  3,
			eligible: []string{"run1.csv", "run2.CSV"},
		},
		{
			name:     "quoted commas",
			raw:      `"run_001.csv","run_002.csv","setup.set"`,
			ext:      ".csv",
			entries:  3,
			eligible: []string{"run_001.csv", "run_002.csv"},
		},
		{
			name:     "whitespace and blanks",
			raw:      ` a.csv , ,b.csv,, `,
			ext:      "csv",
			entries:  2,
			eligible: []string{"a.csv", "b.csv"},
		},
		{
			name:     "duplicates dropped",
			raw:      `"a.csv","a.csv","b.csv"`,
			ext:      ".csv",
			entries:  2,
			eligible: []string{"a.csv", "b.csv"},
		},
		{
			name:     "empty extension accepts all",
			raw:      `"a.csv","b.isf"`,
			ext:      "",
			entries:  2,
			eligible: []string{"a.csv", "b.isf"},
		},
		{
			name:    "nothing eligible",
			raw:     `"notes.txt"`,
			ext:     ".csv",
			entries: 1,
		},
		{name: "quoted empty", raw: `""`, ext: ".csv", noFiles: true},
		{name: "empty", raw: "", ext: ".csv", noFiles: true},
		{name: "separators only", raw: `" ; , "`, ext: ".csv", noFiles: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listing := ParseListing(tt.raw, tt.ext)
			assert.Equal(t, tt.raw, listing.Raw)
			assert.Equal(t, tt.noFiles, listing.NoFiles)
			assert.Len(t, listing.Entries, tt.entries)
			assert.Equal(t, tt.eligible, listing.Names())
		})
	}
}

func TestParseListingKeepsOrder(t *testing.T) {
	listing := ParseListing(`"z.csv;a.csv;m.txt;b.csv"`, ".csv")
	require.Len(t, listing.Entries, 4)
	assert.Equal(t, "m.txt", listing.Entries[2].Name)
	assert.False(t, listing.Entries[2].Eligible)
	assert.Equal(t, []string{"z.csv", "a.csv", "b.csv"}, listing.Names())
}

func silicon(files ...string) map[string]map[string][]byte {
	dir := make(map[string][]byte)
	for _, f := range files {
		dir[f] = []byte("TIME,CH1\n0,0\n")
	}
	return map[string]map[string][]byte{"C:/Silicon": dir}
}

func TestCatalogList(t *testing.T) {
	simCfg := visa.DefaultSimConfig()
	simCfg.Files = silicon("run_001.csv", "run_002.csv", "notes.txt")
	s, sim := newSimSession(simCfg)
	s.SetTimeout(60 * time.Second)
	clock := newFakeClock()

	listing, err := NewCatalogReader(s, testConfig(), clock).List(context.Background(), "C:/Silicon")
	require.NoError(t, err)

	assert.Equal(t, []string{"run_001.csv", "run_002.csv"}, listing.Names())
	assert.Len(t, listing.Entries, 3)
	assert.Equal(t, []string{`FILESystem:CWD "C:/Silicon"`, "*OPC?", "FILESystem:DIR?"}, sim.Commands())
	assert.Equal(t, []time.Duration{2 * time.Second}, clock.sleeps, "only the listing settle")

	timeouts := sim.Timeouts()
	assert.Equal(t, []time.Duration{10 * time.Second, 60 * time.Second}, timeouts[len(timeouts)-2:])
	assert.Equal(t, 60*time.Second, s.Timeout())
}

func TestCatalogListWaitsWhenOPCFails(t *testing.T) {
	simCfg := visa.DefaultSimConfig()
	simCfg.Files = silicon("run_001.csv")
	s, sim := newSimSession(simCfg)
	sim.OnWrite = func(cmd string) ([]byte, bool, error) {
		if cmd == "*OPC?" {
			return nil, true, nil
		}
		return nil, false, nil
	}
	clock := newFakeClock()

	listing, err := NewCatalogReader(s, testConfig(), clock).List(context.Background(), "C:/Silicon")
	require.NoError(t, err)
	assert.Equal(t, []string{"run_001.csv"}, listing.Names())
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, clock.sleeps)
}

func TestCatalogListEmptyDirectory(t *testing.T) {
	s, _ := newSimSession(visa.DefaultSimConfig())

	listing, err := NewCatalogReader(s, testConfig(), newFakeClock()).List(context.Background(), "C:/Empty")
	require.NoError(t, err)
	assert.True(t, listing.NoFiles)
	assert.Empty(t, listing.Eligible())
}

func TestCatalogListTimeoutRestores(t *testing.T) {
	s, sim := newSimSession(visa.DefaultSimConfig())
	s.SetTimeout(60 * time.Second)
	sim.OnWrite = func(cmd string) ([]byte, bool, error) {
		if cmd == "FILESystem:DIR?" {
			return nil, true, nil
		}
		return nil, false, nil
	}

	_, err := NewCatalogReader(s, testConfig(), newFakeClock()).List(context.Background(), "C:/Silicon")
	require.Error(t, err)
	assert.True(t, visa.IsTimeout(err))
	assert.Equal(t, 60*time.Second, s.Timeout())
}

func TestCatalogListDisconnected(t *testing.T) {
	s, sim := newSimSession(visa.DefaultSimConfig())
	sim.OnWrite = func(cmd string) ([]byte, bool, error) {
		if cmd == "*OPC?" {
			return nil, true, disconnected()
		}
		return nil, false, nil
	}
	clock := newFakeClock()

	_, err := NewCatalogReader(s, testConfig(), clock).List(context.Background(), "C:/Silicon")
	require.Error(t, err)
	assert.True(t, visa.IsDisconnected(err))
	assert.Empty(t, clock.sleeps)
}
