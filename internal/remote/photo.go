package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// kioskUploadRequest is the payload of the kiosk token-exchange upload
// endpoint. The PIN authorizes the upload in place of a session.
type kioskUploadRequest struct {
	PIN         string `json:"pin"`
	PhotoBase64 string `json:"photoBase64"`
	UserID      string `json:"userId"`
	RecordID    string `json:"recordId"`
}

type kioskUploadResponse struct {
	Success  bool            `json:"success"`
	PhotoURL string          `json:"photoUrl"`
	Error    json.RawMessage `json:"error,omitempty"`
}

// KioskUploadPhoto uploads evidence for a record created under
// shared-device PIN authentication. The PIN plus payload is exchanged for
// an ephemeral upload authorization server-side; the resolved photo URL is
// returned.
func (c *Client) KioskUploadPhoto(ctx context.Context, pin, userID, recordID, photoBase64 string) (string, error) {
	resp, err := c.send(ctx, http.MethodPost, "/functions/kiosk-photo-upload", kioskUploadRequest{
		PIN:         pin,
		PhotoBase64: photoBase64,
		UserID:      userID,
		RecordID:    recordID,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", c.statusError(resp)
	}

	var out kioskUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode kiosk upload response: %w", err)
	}
	if !out.Success {
		if len(out.Error) > 0 {
			c.logger.Printf("kiosk upload rejected for record %s: %s", recordID, out.Error)
		}
		return "", fmt.Errorf("kiosk photo upload rejected")
	}
	return out.PhotoURL, nil
}

// UploadPhoto uploads evidence bytes to blob storage under the caller's
// session and returns the public URL. Used for records created under an
// authenticated session; kiosk records go through KioskUploadPhoto.
func (c *Client) UploadPhoto(ctx context.Context, object, photoBase64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(photoBase64)
	if err != nil {
		return "", fmt.Errorf("invalid photo payload: %w", err)
	}

	path := "/storage/attendance-photos/" + url.PathEscape(object)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	c.setAuth(ctx, req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", c.statusError(resp)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode storage response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("storage response carried no URL")
	}
	return out.URL, nil
}
