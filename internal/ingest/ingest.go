// Package ingest validates and decodes user-supplied files into image
// handles usable by the classification flow. Both upload entry points
// (multipart file and data-URI payload) funnel through the same contract.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/example/image-classify/internal/classify"
)

// RawFile is an uploaded file as received from a client, before validation.
type RawFile struct {
	Name string
	MIME string
	Data []byte
}

// ImageHandle is a decoded, validated image. It is immutable: a new upload
// produces a fresh handle, it is never mutated in place.
type ImageHandle struct {
	MIME  string
	Image image.Image
	SHA1  string
	Size  int
}

// Ingest validates the file's MIME type and decodes its bytes. Non-image
// payloads and undecodable bytes fail with classify.KindInvalidInput and
// must not start a classification request.
func Ingest(ctx context.Context, f RawFile) (*ImageHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(f.Data) == 0 {
		return nil, classify.Ef(classify.KindInvalidInput, "empty file")
	}
	if !strings.HasPrefix(f.MIME, "image/") {
		return nil, classify.Ef(classify.KindInvalidInput, "unsupported content type %q", f.MIME)
	}

	img, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, classify.Ef(classify.KindInvalidInput, "decode image: %v", err)
	}

	sum := sha1.Sum(f.Data)
	return &ImageHandle{
		MIME:  f.MIME,
		Image: img,
		SHA1:  hex.EncodeToString(sum[:]),
		Size:  len(f.Data),
	}, nil
}

// FromDataURI parses a "data:image/png;base64,..." payload into a RawFile.
// The MIME check itself happens in Ingest so both entry points reject
// non-image input identically.
func FromDataURI(uri string) (RawFile, error) {
	const scheme = "data:"
	if !strings.HasPrefix(uri, scheme) {
		return RawFile{}, classify.Ef(classify.KindInvalidInput, "not a data URI")
	}
	meta, payload, ok := strings.Cut(uri[len(scheme):], ",")
	if !ok {
		return RawFile{}, classify.Ef(classify.KindInvalidInput, "malformed data URI")
	}

	mime, encoding := meta, ""
	if m, enc, found := strings.Cut(meta, ";"); found {
		mime, encoding = m, enc
	}
	if encoding != "base64" {
		return RawFile{}, classify.Ef(classify.KindInvalidInput, "unsupported data URI encoding %q", encoding)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return RawFile{}, classify.Ef(classify.KindInvalidInput, "decode base64 payload: %v", err)
	}
	return RawFile{MIME: mime, Data: data}, nil
}
