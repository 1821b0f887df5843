package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestGeoapifyAutocomplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/geocode/autocomplete", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "MG Road", q.Get("text"))
		assert.Equal(t, "proximity:77.590000,12.970000", q.Get("bias"))
		assert.Equal(t, "circle:77.590000,12.970000,5000", q.Get("filter"))
		w.Write([]byte(`{"features":[
			{"geometry":{"coordinates":[77.6,12.975]},"properties":{"formatted":"MG Road, Bengaluru"}},
			{"geometry":{"coordinates":[77.61,12.98]},"properties":{"address_line1":"Brigade Rd"}},
			{"geometry":{"coordinates":[]},"properties":{"formatted":"broken"}}
		]}`))
	}))
	defer srv.Close()

	g := NewGeoapify(srv.URL, "key")
	places, err := g.Search(context.Background(), Query{Text: "MG Road", Near: &models.Coord{Lat: 12.97, Lon: 77.59}})
	require.NoError(t, err)
	assert.Equal(t, []models.Place{
		{Lat: 12.975, Lon: 77.6, DisplayName: "MG Road, Bengaluru"},
		{Lat: 12.98, Lon: 77.61, DisplayName: "Brigade Rd"},
	}, places)
}

func TestGeoapifyEmptyIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"features":[]}`))
	}))
	defer srv.Close()

	_, err := NewGeoapify(srv.URL, "key").Search(context.Background(), Query{Text: "x"})
	assert.ErrorIs(t, err, ErrNoResults)
}

func TestNominatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "in", r.URL.Query().Get("countrycodes"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Write([]byte(`[{"lat":"12.93","lon":"77.61","display_name":"Koramangala"},{"lat":"bad","lon":"1","display_name":"skip"}]`))
	}))
	defer srv.Close()

	places, err := NewNominatim(srv.URL).Search(context.Background(), Query{Text: "Koramangala", Country: "IN"})
	require.NoError(t, err)
	assert.Equal(t, []models.Place{{Lat: 12.93, Lon: 77.61, DisplayName: "Koramangala"}}, places)
}

func TestFallbackUsesSecondaryOnFailure(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"lat":"12.97","lon":"77.59","display_name":"MG Road"}]`))
	}))
	defer secondary.Close()

	f := &Fallback{Primary: NewGeoapify(primary.URL, "key"), Secondary: NewNominatim(secondary.URL)}
	places, err := f.Search(context.Background(), Query{Text: "MG Road"})
	require.NoError(t, err)
	require.Len(t, places, 1)
	assert.Equal(t, "MG Road", places[0].DisplayName)
}

func TestFallbackBothFail(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	f := &Fallback{Primary: NewGeoapify(down.URL, ""), Secondary: NewNominatim(down.URL)}
	_, err := f.Search(context.Background(), Query{Text: "x"})
	assert.Error(t, err)

	_, err = f.Search(context.Background(), Query{Text: "  "})
	assert.Error(t, err)
}
