package sitemap

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemap-harvester/internal/harvest"
)

const urlsetTmpl = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
%s
</urlset>`

func urlEntry(loc string) string {
	return fmt.Sprintf("<url><loc>%s</loc><lastmod>2024-01-01</lastmod></url>", loc)
}

func serveXML(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(body))
	}
}

func TestDiscoverPartitionsAndFilters(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", serveXML(fmt.Sprintf(urlsetTmpl,
		urlEntry("https://apps.shopify.com/upload-lift")+
			urlEntry("https://apps.shopify.com/partners/matrix40")+
			urlEntry("https://www.shopify.com/blog")+
			urlEntry(" https://apps.shopify.com/review-app ")+
			urlEntry("https://apps.shopify.com/upload-lift"),
	)))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	found, err := New(Config{}, nil).Discover(context.Background(), srv.URL+"/sitemap.xml")
	require.NoError(t, err)
	require.Equal(t, []harvest.ItemRef{
		{URL: "https://apps.shopify.com/upload-lift", Category: harvest.CategoryApp},
		{URL: "https://apps.shopify.com/review-app", Category: harvest.CategoryApp},
	}, found.Apps)
	require.Equal(t, []harvest.ItemRef{
		{URL: "https://apps.shopify.com/partners/matrix40", Category: harvest.CategoryDeveloper},
	}, found.Developers)
}

func TestDiscoverFollowsSitemapIndex(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/index.xml", serveXML(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
<sitemap><loc>%[1]s/one.xml</loc></sitemap>
<sitemap><loc>%[1]s/two.xml</loc></sitemap>
<sitemap><loc>%[1]s/broken.xml</loc></sitemap>
</sitemapindex>`, srv.URL)))
	mux.HandleFunc("/one.xml", serveXML(fmt.Sprintf(urlsetTmpl,
		urlEntry("https://apps.shopify.com/a")+urlEntry("https://apps.shopify.com/b"))))
	mux.HandleFunc("/two.xml", serveXML(fmt.Sprintf(urlsetTmpl,
		urlEntry("https://apps.shopify.com/b")+urlEntry("https://apps.shopify.com/partners/acme"))))
	mux.HandleFunc("/broken.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	found, err := New(Config{}, nil).Discover(context.Background(), srv.URL+"/index.xml")
	require.NoError(t, err, "child failures are skipped")
	require.Len(t, found.Apps, 2)
	require.Equal(t, "https://apps.shopify.com/a", found.Apps[0].URL)
	require.Equal(t, "https://apps.shopify.com/b", found.Apps[1].URL)
	require.Len(t, found.Developers, 1)
	require.Equal(t, 3, found.Total())
}

func TestDiscoverRootFailureIsFatal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := New(Config{}, nil).Discover(context.Background(), srv.URL+"/sitemap.xml")
	require.Error(t, err)
	require.ErrorIs(t, err, harvest.ErrUnreachable)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	d := New(Config{HostPattern: "apps.example.com/", DeveloperMarker: "/vendors/"}, nil)
	tests := []struct {
		loc    string
		want   harvest.Category
		wantOK bool
	}{
		{loc: "https://apps.example.com/widget", want: harvest.CategoryApp, wantOK: true},
		{loc: "https://apps.example.com/vendors/acme", want: harvest.CategoryDeveloper, wantOK: true},
		{loc: "https://example.com/widget", wantOK: false},
	}
	for _, tt := range tests {
		got, ok := d.Classify(tt.loc)
		require.Equal(t, tt.wantOK, ok, tt.loc)
		require.Equal(t, tt.want, got, tt.loc)
	}
}
