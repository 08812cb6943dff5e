package transcode

import (
	"bytes"
	"errors"
	"mime"
	"mime/multipart"
	"testing"

	gateway "github.com/mstiller/switchboard/internal"
)

func buildForm(t *testing.T, fields map[string]string, fileName string, fileData []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(fileData); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes(), mw.FormDataContentType()
}

func TestMultipartModel(t *testing.T) {
	t.Parallel()
	body, ct := buildForm(t, map[string]string{"model": "whisper-large", "language": "en"}, "audio.wav", []byte("RIFF"))

	model, err := MultipartModel(body, ct)
	if err != nil {
		t.Fatal(err)
	}
	if model != "whisper-large" {
		t.Fatalf("model = %q", model)
	}
}

func TestMultipartModelAbsent(t *testing.T) {
	t.Parallel()
	body, ct := buildForm(t, map[string]string{"language": "en"}, "", nil)

	model, err := MultipartModel(body, ct)
	if err != nil {
		t.Fatal(err)
	}
	if model != "" {
		t.Fatalf("model = %q, want empty", model)
	}
}

func TestMultipartModelBadContentType(t *testing.T) {
	t.Parallel()
	if _, err := MultipartModel([]byte("x"), "application/json"); !errors.Is(err, gateway.ErrBadRequest) {
		t.Fatalf("err = %v", err)
	}
}

func TestRewriteMultipartModel(t *testing.T) {
	t.Parallel()
	audio := []byte("RIFF....WAVEfmt")
	body, ct := buildForm(t, map[string]string{"model": "fast", "language": "en"}, "audio.wav", audio)

	out, outCT, err := RewriteMultipartModel(body, ct, "whisper-1")
	if err != nil {
		t.Fatal(err)
	}
	if outCT == ct {
		t.Fatal("rewritten form must carry its own boundary")
	}

	model, err := MultipartModel(out, outCT)
	if err != nil {
		t.Fatal(err)
	}
	if model != "whisper-1" {
		t.Fatalf("model = %q", model)
	}

	// The file part and other fields survive the rewrite byte for byte.
	_, params, err := mime.ParseMediaType(outCT)
	if err != nil {
		t.Fatal(err)
	}
	mr := multipart.NewReader(bytes.NewReader(out), params["boundary"])
	form, err := mr.ReadForm(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer form.RemoveAll()
	if got := form.Value["language"]; len(got) != 1 || got[0] != "en" {
		t.Fatalf("language = %v", form.Value["language"])
	}
	files := form.File["file"]
	if len(files) != 1 || files[0].Filename != "audio.wav" {
		t.Fatalf("files = %+v", files)
	}
	f, err := files[0].Open()
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	data := make([]byte, len(audio)+1)
	n, _ := f.Read(data)
	if !bytes.Equal(data[:n], audio) {
		t.Fatalf("file data = %q", data[:n])
	}
}

func TestRewriteMultipartModelAddsWhenMissing(t *testing.T) {
	t.Parallel()
	body, ct := buildForm(t, map[string]string{"language": "en"}, "", nil)

	out, outCT, err := RewriteMultipartModel(body, ct, "whisper-1")
	if err != nil {
		t.Fatal(err)
	}
	model, err := MultipartModel(out, outCT)
	if err != nil {
		t.Fatal(err)
	}
	if model != "whisper-1" {
		t.Fatalf("model = %q", model)
	}
}
