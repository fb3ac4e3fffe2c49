package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/hpi.report/internal/db"
	"github.com/banshee-data/hpi.report/internal/fsutil"
	"github.com/banshee-data/hpi.report/internal/monitoring"
	"github.com/banshee-data/hpi.report/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

// writeFixtures lays out a single CBSA with two tracts whose pairs all grow
// at 5% a year, and returns the file paths keyed by name.
func writeFixtures(t *testing.T) map[string]string {
	t.Helper()
	var pairs strings.Builder
	pairs.WriteString("property_id,cbsa_id,tract_id,first_sale_year,second_sale_year,log_price_ratio\n")
	spans := [][2]int{{2000, 2001}, {2001, 2002}, {2002, 2003}, {2000, 2002}, {2001, 2003}}
	for _, tract := range []string{"T1", "T2"} {
		for i, s := range spans {
			fmt.Fprintf(&pairs, "%s-%d,10420,%s,%d,%d,%g\n", tract, i, tract, s[0], s[1], 0.05*float64(s[1]-s[0]))
		}
	}

	var basis strings.Builder
	basis.WriteString("tract_id,year,housing_units\n")
	for _, tract := range []string{"T1", "T2"} {
		for y := 2000; y <= 2003; y++ {
			fmt.Fprintf(&basis, "%s,%d,100\n", tract, y)
		}
	}

	return testutil.WriteFiles(t, map[string]string{
		"pairs.csv":     pairs.String(),
		"centroids.csv": "tract_id,cbsa_id,lat,lon\nT1,10420,41.08,-81.52\nT2,10420,41.10,-81.40\n",
		"basis.csv":     basis.String(),
		"run.json":      `{"min_half_pairs":1,"start_year":2000,"end_year":2003,"weighting_schemes":["sample","unit"],"workers":2}`,
	})
}

func TestRunEndToEnd(t *testing.T) {
	files := writeFixtures(t)
	dbPath := filepath.Join(filepath.Dir(files["run.json"]), "runs.db")
	fs := fsutil.NewMemoryFileSystem()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"-config", files["run.json"],
		"-pairs", files["pairs.csv"],
		"-centroids", files["centroids.csv"],
		"-basis", files["basis.csv"],
		"-out", "out",
		"-db", dbPath,
		"-wide", "-summary", "-by-cbsa", "-charts",
	}, fs, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	assert.Contains(t, stdout.String(), "8 index values for 2 series")

	long, err := fs.ReadFile("out/hpi_long.csv")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(long)), "\n")
	require.Len(t, lines, 9)
	assert.True(t, strings.HasPrefix(lines[1], "10420,2000,sample,100,"), lines[1])

	for _, name := range []string{
		"out/conditions.json",
		"out/hpi_wide.csv",
		"out/summary.csv",
		"out/by_cbsa/hpi_10420.csv",
		"out/index.html",
		"out/charts/hpi_10420.png",
	} {
		assert.True(t, fs.Exists(name), name)
	}

	d, err := db.Open(dbPath)
	require.NoError(t, err)
	defer d.Close()
	runs, err := db.NewStore(d, nil).Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestRunUsageErrors(t *testing.T) {
	dir := filepath.Dir(writeFixtures(t)["run.json"])
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no inputs", nil, exitUsage},
		{"both pair sources", []string{"-pairs", "a", "-transactions", "b", "-centroids", "c", "-basis", "d"}, exitUsage},
		{"missing centroids", []string{"-pairs", "a", "-basis", "d"}, exitUsage},
		{"unknown flag", []string{"-nope"}, exitUsage},
		{"bad config", []string{"-config", filepath.Join(dir, "missing.json"), "-pairs", "a", "-centroids", "c", "-basis", "d"}, exitUsage},
		{"missing input file", []string{"-pairs", filepath.Join(dir, "none.csv"), "-centroids", "c", "-basis", "d"}, exitFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			got := run(context.Background(), tt.args, fsutil.NewMemoryFileSystem(), &stdout, &stderr)
			assert.Equal(t, tt.want, got, stderr.String())
		})
	}
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-version"}, fsutil.NewMemoryFileSystem(), &stdout, &stderr)
	assert.Equal(t, exitOK, code)
	assert.True(t, strings.HasPrefix(stdout.String(), "rsai "))
}

func TestLoadConfigFromEnvOnly(t *testing.T) {
	t.Setenv("RSAI_START_YEAR", "2000")
	t.Setenv("RSAI_END_YEAR", "2010")

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 2000, cfg.GetStartYear())
	assert.Equal(t, 2010, cfg.GetEndYear())
	assert.Equal(t, 2000, cfg.GetBaseYear())

	t.Setenv("RSAI_BASE_YEAR", "1999")
	_, err = loadConfig("")
	assert.Error(t, err, "base year outside the overridden range")
}
