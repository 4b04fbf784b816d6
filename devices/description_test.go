package devices

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFriendlyName(t *testing.T) {
	fn := "Living Room Kodi"
	type root struct {
		FriendlyName string `xml:"device>friendlyName"`
	}

	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dataXML, _ := xml.Marshal(root{FriendlyName: fn})
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write(dataXML)
	}))
	defer testServer.Close()

	got, err := FriendlyName(context.Background(), testServer.URL)
	if err != nil {
		t.Fatalf("FriendlyName() err = %v, want nil", err)
	}

	if got != fn {
		t.Fatalf("FriendlyName() = %q, want %q", got, fn)
	}
}

func TestFriendlyNameBadStatus(t *testing.T) {
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer testServer.Close()

	if _, err := FriendlyName(context.Background(), testServer.URL); err == nil {
		t.Fatal("FriendlyName() err = nil, want error")
	}
}
