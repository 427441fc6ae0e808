package loader

import (
	"os"
	"strings"

	"github.com/pkg/errors"

	"iwibridge/internal/models"
	"iwibridge/pkg/adapter"
	"iwibridge/pkg/codec"
	"iwibridge/pkg/nifti"
)

// ErrUnknownFormat is returned when a file name has no image extension this
// package can read or write.
var ErrUnknownFormat = errors.New("unknown image format")

// ImageFormat returns the image extension of filename: "iwi.cbor", "nii.gz" or "nii".
func ImageFormat(filename string) (string, error) {
	name := strings.ToLower(filename)
	for _, ext := range []string{ImageExtension, "nii.gz", "nii"} {
		if strings.HasSuffix(name, "."+ext) {
			return ext, nil
		}
	}
	return "", errors.Wrapf(ErrUnknownFormat, "%s", filename)
}

// DecodeImage parses the bytes of an image file named filename. NIfTI volumes go
// through the adapter, with flipHandedness passed to adapter.ToImage.
func DecodeImage(filename string, data []byte, flipHandedness bool) (*models.Image, error) {
	format, err := ImageFormat(filename)
	if err != nil {
		return nil, err
	}
	if format == ImageExtension {
		return codec.Decode(data)
	}
	vol, err := nifti.Read(data)
	if err != nil {
		return nil, err
	}
	return adapter.ToImage(vol.Header, vol.Data, flipHandedness)
}

// EncodeImage serializes img in the format named by the extension of filename.
// For NIfTI output with flipHandedness set the axis 0 flip is undone first.
func EncodeImage(filename string, img *models.Image, flipHandedness bool) ([]byte, error) {
	format, err := ImageFormat(filename)
	if err != nil {
		return nil, err
	}
	if format == ImageExtension {
		return codec.Encode(img)
	}
	if flipHandedness {
		img = adapter.FlipHandedness(img)
	}
	vol, err := adapter.ToVolume(img)
	if err != nil {
		return nil, err
	}
	return nifti.Write(vol, format == "nii.gz")
}

// ReadImage reads an image file.
func ReadImage(path string, flipHandedness bool) (*models.Image, error) {
	if _, err := ImageFormat(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	img, err := DecodeImage(path, data, flipHandedness)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return img, nil
}

// WriteImage writes img to path. Nothing is written when encoding fails.
func WriteImage(path string, img *models.Image, flipHandedness bool) error {
	data, err := EncodeImage(path, img, flipHandedness)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", path)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}
