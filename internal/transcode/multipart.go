package transcode

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"

	gateway "github.com/mstiller/switchboard/internal"
)

// RewriteMultipartModel re-encodes a multipart form with the model field
// replaced. Audio uploads carry the model inside the form, so the per-target
// rewrite cannot happen with JSON surgery. All other parts, file uploads
// included, are copied through with their headers intact.
func RewriteMultipartModel(body []byte, contentType, model string) ([]byte, string, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, "", fmt.Errorf("parse content type: %w: %v", gateway.ErrBadRequest, err)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, "", fmt.Errorf("multipart without boundary: %w", gateway.ErrBadRequest)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	sawModel := false
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("read multipart: %w: %v", gateway.ErrBadRequest, err)
		}
		if part.FormName() == "model" {
			if err := mw.WriteField("model", model); err != nil {
				return nil, "", err
			}
			sawModel = true
			continue
		}
		dst, err := mw.CreatePart(part.Header)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(dst, part); err != nil {
			return nil, "", fmt.Errorf("copy multipart part: %w", err)
		}
	}
	if !sawModel {
		if err := mw.WriteField("model", model); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

// MultipartModel extracts the model field from a multipart form without
// re-encoding it, for routing.
func MultipartModel(body []byte, contentType string) (string, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("parse content type: %w: %v", gateway.ErrBadRequest, err)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return "", fmt.Errorf("multipart without boundary: %w", gateway.ErrBadRequest)
	}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("read multipart: %w: %v", gateway.ErrBadRequest, err)
		}
		if part.FormName() != "model" {
			continue
		}
		val, err := io.ReadAll(io.LimitReader(part, 1024))
		if err != nil {
			return "", err
		}
		return string(val), nil
	}
}
