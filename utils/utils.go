package utils

import (
	"bytes"
	"crypto/rand"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"math/big"
	"strings"

	"github.com/nfnt/resize"
)

func Rand16BytesToBase62() string {
	buf := make([]byte, 16)
	_, err := rand.Read(buf)
	if err != nil {
		panic(err)
	}
	var i big.Int
	return i.SetBytes(buf).Text(62)
}

// RandToken is used for access tokens, validation tokens and file tokens
func RandToken() string {
	return Rand16BytesToBase62() + Rand16BytesToBase62()
}

type ImageThumbConverted struct {
	ThumbSize int64
	NewX      uint16
	NewY      uint16
	OldX      uint16
	OldY      uint16
}

func CreateThumb(size uint, reader io.Reader, writer io.Writer) (result ImageThumbConverted, err error) {
	image, _, err := image.Decode(reader)
	if err != nil {
		return result, err
	}
	var newBuf bytes.Buffer
	newImage := resize.Thumbnail(size, size, image, resize.Lanczos3)
	if err = jpeg.Encode(&newBuf, newImage, &jpeg.Options{Quality: 90}); err != nil {
		return
	}
	imageRect := newImage.Bounds().Size()
	result.NewX = uint16(imageRect.X)
	result.NewY = uint16(imageRect.Y)

	imageRect = image.Bounds().Size()
	result.OldX = uint16(imageRect.X)
	result.OldY = uint16(imageRect.Y)

	result.ThumbSize, err = io.Copy(writer, &newBuf)
	return
}

// CleanPath removes any attempt to escape the base directory
func CleanPath(in string) string {
	for strings.Contains(in, "..") {
		in = strings.ReplaceAll(in, "..", "")
	}
	for strings.Contains(in, "//") {
		in = strings.ReplaceAll(in, "//", "/")
	}
	return strings.Trim(in, "/")
}

// AddUnique appends s if it is not already in the list, reports whether it was added
func AddUnique(list []string, s string) ([]string, bool) {
	for _, v := range list {
		if v == s {
			return list, false
		}
	}
	return append(list, s), true
}

// Remove drops all occurrences of s, reports whether anything was removed
func Remove(list []string, s string) ([]string, bool) {
	result := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			result = append(result, v)
		}
	}
	return result, len(result) != len(list)
}
