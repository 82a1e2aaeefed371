package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"testing"
)

func TestKioskUploadPhoto(t *testing.T) {
	var got kioskUploadRequest
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/functions/kiosk-photo-upload" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(kioskUploadResponse{Success: true, PhotoURL: "https://blob/p.jpg"})
	}))

	url, err := c.KioskUploadPhoto(context.Background(), "4321", "user-1", "rec-1", "aGVsbG8=")
	if err != nil {
		t.Fatalf("KioskUploadPhoto() failed: %v", err)
	}
	if url != "https://blob/p.jpg" {
		t.Errorf("url = %q", url)
	}
	if got.PIN != "4321" || got.RecordID != "rec-1" || got.UserID != "user-1" {
		t.Errorf("server received %+v", got)
	}
}

func TestKioskUploadRejected(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(kioskUploadResponse{Success: false, Error: json.RawMessage(`"bad pin"`)})
	}))

	if _, err := c.KioskUploadPhoto(context.Background(), "0000", "user-1", "rec-1", "aGVsbG8="); err == nil {
		t.Fatal("rejected upload should return an error")
	}
}

func TestUploadPhoto(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("jpeg bytes"))

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/storage/attendance-photos/tenant-1%2F100%2F42.jpg" {
			t.Errorf("unexpected path %s", r.URL.EscapedPath())
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "jpeg bytes" {
			t.Errorf("body = %q, want decoded bytes", body)
		}
		json.NewEncoder(w).Encode(map[string]string{"url": "https://blob/tenant-1/100/42.jpg"})
	}))

	url, err := c.UploadPhoto(context.Background(), "tenant-1/100/42.jpg", payload)
	if err != nil {
		t.Fatalf("UploadPhoto() failed: %v", err)
	}
	if url != "https://blob/tenant-1/100/42.jpg" {
		t.Errorf("url = %q", url)
	}
}

func TestUploadPhotoInvalidPayload(t *testing.T) {
	c, _ := newTestClient(t, http.NotFoundHandler())
	if _, err := c.UploadPhoto(context.Background(), "obj", "not base64!!"); err == nil {
		t.Fatal("invalid base64 should be rejected before any request")
	}
}
