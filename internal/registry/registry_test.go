package registry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amarillo.mfdz.de/internal/models"
)

const mfdzKey = "mfdz0123456789abcdefghij"

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func setup(t *testing.T) Paths {
	t.Helper()
	root := t.TempDir()
	paths := DefaultPaths(filepath.Join(root, "conf"), filepath.Join(root, "data"))

	writeFile(t, paths.AgencyDir, "mfdz.json", `{
		"id": "mfdz", "name": "MITFAHR|DE|ZENTRALE", "url": "http://mfdz.de",
		"timezone": "Europe/Berlin", "lang": "de", "email": "info@mfdz.de"}`)
	writeFile(t, paths.RegionDir, "bw.json", `{"id": "bw", "bbox": [7.5, 47.5, 10.5, 49.8]}`)
	writeFile(t, paths.RegionDir, "bb.json", `{"id": "bb", "bbox": [11.26, 51.36, 14.77, 53.56]}`)
	writeFile(t, paths.AgencyConfDir, "mfdz.json", `{
		"agency_id": "mfdz", "api_key": "`+mfdzKey+`",
		"offers_download_url": "https://mfdz.de/offers", "roles": ["carpool_agency"]}`)
	return paths
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoad(t *testing.T) {
	r, err := Load(setup(t), "admin-secret", testLogger())
	require.NoError(t, err)

	require.Len(t, r.Agencies(), 1)
	agency, err := r.Agency("mfdz")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", agency.Timezone)

	regions := r.Regions()
	require.Len(t, regions, 2)
	assert.Equal(t, "bb", regions[0].ID)
	bw, err := r.Region("bw")
	require.NoError(t, err)
	assert.Equal(t, models.BBox{7.5, 47.5, 10.5, 49.8}, bw.BBox)

	_, err = r.Region("nowhere")
	assert.ErrorIs(t, err, models.ErrNotFound)

	conf, err := r.AgencyConf("mfdz")
	require.NoError(t, err)
	assert.True(t, conf.ShouldSync())
	assert.Equal(t, []string{"mfdz"}, r.AgencyIDs())
}

func TestLoadRejectsInvalidFiles(t *testing.T) {
	paths := setup(t)
	writeFile(t, paths.AgencyConfDir, "short.json", `{"agency_id": "short", "api_key": "tooshort"}`)

	_, err := Load(paths, "", testLogger())
	assert.ErrorContains(t, err, "short.json")
}

func TestCheckAPIKey(t *testing.T) {
	r, err := Load(setup(t), "admin-secret", testLogger())
	require.NoError(t, err)

	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{mfdzKey, "mfdz", false},
		{"admin-secret", AdminID, false},
		{"", "", true},
		{"unknown", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := r.CheckAPIKey(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAPIKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	noAdmin, err := Load(setup(t), "", testLogger())
	require.NoError(t, err)
	_, err = noAdmin.CheckAPIKey("")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestAddAndDelete(t *testing.T) {
	paths := setup(t)
	r, err := Load(paths, "", testLogger())
	require.NoError(t, err)

	ride2go := models.AgencyConf{AgencyID: "ride2go", APIKey: "ride2go0123456789abcdef"}
	require.NoError(t, r.Add(ride2go))
	assert.FileExists(t, filepath.Join(paths.AgencyConfDir, "ride2go.json"))

	got, err := r.CheckAPIKey(ride2go.APIKey)
	require.NoError(t, err)
	assert.Equal(t, "ride2go", got)

	assert.ErrorIs(t, r.Add(ride2go), models.ErrConflict, "agency exists")
	assert.ErrorIs(t, r.Add(models.AgencyConf{AgencyID: "other", APIKey: mfdzKey}), models.ErrConflict, "key reuse")
	assert.ErrorIs(t, r.Add(models.AgencyConf{AgencyID: "bad", APIKey: "short"}), models.ErrParse)

	reloaded, err := Load(paths, "", testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"mfdz", "ride2go"}, reloaded.AgencyIDs())

	require.NoError(t, r.Delete("ride2go"))
	assert.NoFileExists(t, filepath.Join(paths.AgencyConfDir, "ride2go.json"))
	_, err = r.CheckAPIKey(ride2go.APIKey)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
	assert.ErrorIs(t, r.Delete("ride2go"), models.ErrNotFound)
}
