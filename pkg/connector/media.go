// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/mymmrac/telego"
	"go.mau.fi/util/exmime"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"maunium.net/go/mautrix/id"
)

// ErrMediaTooLarge is returned when a file exceeds the configured media size limit.
var ErrMediaTooLarge = errors.New("media too large")

// imageFormat is a target format for transcoding. The zero value keeps the
// original bytes.
type imageFormat string

const (
	formatOriginal imageFormat = ""
	formatPNG      imageFormat = "png"
	formatJPEG     imageFormat = "jpeg"
)

// mimeExtensions maps image MIME types to the file extensions Telegram
// clients expect.
var mimeExtensions = map[string]string{
	"image/jpeg":          "jpg",
	"image/gif":           "gif",
	"image/png":           "png",
	"image/tiff":          "tif",
	"image/x-tiff":        "tif",
	"image/bmp":           "bmp",
	"image/x-windows-bmp": "bmp",
}

// mediaBridge moves files between the Telegram and Matrix content stores.
type mediaBridge struct {
	matrix   MatrixAPI
	telegram TelegramAPI
	maxSize  int64
}

// TelegramToMatrix downloads a Telegram file, optionally transcodes it and
// uploads it to Matrix as actingUser. It returns the content URI and the
// size of the uploaded payload.
func (mb *mediaBridge) TelegramToMatrix(ctx context.Context, fileID string, actingUser id.UserID, mimeType, fileName string, format imageFormat) (id.ContentURI, int, error) {
	data, err := mb.telegram.DownloadFile(ctx, fileID)
	if err != nil {
		return id.ContentURI{}, 0, err
	}
	if format != formatOriginal {
		data, err = transcodeImage(data, format)
		if err != nil {
			return id.ContentURI{}, 0, err
		}
	}
	uri, err := mb.matrix.Upload(ctx, actingUser, data, mimeType, fileName)
	if err != nil {
		return id.ContentURI{}, 0, err
	}
	return uri, len(data), nil
}

// MatrixToTelegram downloads Matrix media and sends it to a Telegram chat as
// a photo. declaredSize is the size from the event's info block, zero when
// unknown; media declared over the limit is not downloaded.
func (mb *mediaBridge) MatrixToTelegram(ctx context.Context, uri id.ContentURI, declaredSize int, chatID int64, fileName, caption string) (*telego.Message, error) {
	if mb.maxSize > 0 && int64(declaredSize) > mb.maxSize {
		return nil, fmt.Errorf("%w: %s declares %d bytes", ErrMediaTooLarge, uri, declaredSize)
	}
	data, err := mb.matrix.Download(ctx, uri)
	if err != nil {
		return nil, err
	}
	if mb.maxSize > 0 && int64(len(data)) > mb.maxSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrMediaTooLarge, uri, len(data))
	}
	return mb.telegram.SendPhoto(ctx, chatID, data, fileName, caption)
}

// transcodeImage decodes any supported image and re-encodes it.
func transcodeImage(data []byte, format imageFormat) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	var buf bytes.Buffer
	switch format {
	case formatPNG:
		err = png.Encode(&buf, img)
	case formatJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	default:
		return nil, fmt.Errorf("unsupported image format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// fixExtension appends the extension matching mimeType to name unless name
// already ends with it.
func fixExtension(name, mimeType string) string {
	ext, ok := mimeExtensions[mimeType]
	if !ok {
		ext = strings.TrimPrefix(exmime.ExtensionFromMimetype(mimeType), ".")
	}
	if ext == "" || strings.HasSuffix(name, "."+ext) {
		return name
	}
	return name + "." + ext
}
