package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPCatalogClient(t *testing.T) {
	var got CatalogRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/firmware/check" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":"2.1.0","dfuStatus":"OPTIONAL","downloadUrl":"https://fw/x.bin","vendorId":"42","productId":"7"}`))
	}))
	defer srv.Close()

	client := NewHTTPCatalogClient(srv.URL+"/", time.Second)
	resp, err := client.Lookup(context.Background(), &CatalogRequest{ClientID: "app", VendorID: "42", ProductID: "7", ObfuscatedComponentID: "abc"})
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if resp.Version != "2.1.0" || resp.DfuStatus != Optional || resp.DownloadURL != "https://fw/x.bin" {
		t.Errorf("got %+v", resp)
	}
	if got.ObfuscatedComponentID != "abc" || got.ClientID != "app" {
		t.Errorf("server received %+v", got)
	}
}

func TestHTTPCatalogClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPCatalogClient(srv.URL, time.Second).Lookup(context.Background(), &CatalogRequest{})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("got %v, want ErrNetwork", err)
	}

	srv.Close()
	_, err = NewHTTPCatalogClient(srv.URL, time.Second).Lookup(context.Background(), &CatalogRequest{})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("got %v, want ErrNetwork for an unreachable catalog", err)
	}
}

func TestHTTPDownloader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fw.bin" {
			_, _ = w.Write([]byte("binary"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := NewHTTPDownloader(time.Second)

	var buf bytes.Buffer
	if err := d.Download(context.Background(), srv.URL+"/fw.bin", &buf); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if buf.String() != "binary" {
		t.Errorf("got %q", buf.String())
	}

	if err := d.Download(context.Background(), srv.URL+"/missing", &buf); !errors.Is(err, ErrNetwork) {
		t.Errorf("got %v, want ErrNetwork", err)
	}
}

func TestSchemeDownloader(t *testing.T) {
	httpDl := &fakeDownloader{files: map[string][]byte{"https://a/b": []byte("x")}}
	sd := SchemeDownloader{"https": httpDl}

	var buf bytes.Buffer
	if err := sd.Download(context.Background(), "https://a/b", &buf); err != nil || buf.String() != "x" {
		t.Errorf("Download(https) = %v, %q", err, buf.String())
	}
	if err := sd.Download(context.Background(), "ftp://a/b", &buf); err == nil {
		t.Error("Download(ftp) succeeded without a downloader")
	}
}

func TestParseObjectURL(t *testing.T) {
	tests := []struct {
		url         string
		bucket, key string
		wantErr     bool
	}{
		{"s3://firmware/gear/2.0.0.bin", "firmware", "gear/2.0.0.bin", false},
		{"s3://firmware/", "", "", true},
		{"https://firmware/gear.bin", "", "", true},
		{"s3:///gear.bin", "", "", true},
	}

	for _, tt := range tests {
		bucket, key, err := parseObjectURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseObjectURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			continue
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("parseObjectURL(%q) = (%q, %q)", tt.url, bucket, key)
		}
	}
}
