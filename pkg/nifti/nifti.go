// Package nifti reads and writes single-file NIfTI-1 images (.nii and .nii.gz),
// the native volume format of the viewer.
//
// Volumes are always returned with little-endian voxel data regardless of the byte
// order of the file, and are always written little-endian.
package nifti

import (
	"bytes"
	"encoding/binary"
	"io"
	"slices"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"iwibridge/internal/models"
)

// dataOffset is where voxel data starts in files written by this package: the
// header followed by the 4 byte extension flag.
const dataOffset = models.HeaderSize + 4

// IsGzip reports whether data starts with the gzip magic number.
func IsGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// Read parses a NIfTI-1 file, gunzipping it first when needed.
func Read(data []byte) (*models.Volume, error) {
	if IsGzip(data) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrapf(models.ErrMalformedPayload, "gzip: %v", err)
		}
		defer zr.Close()
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, errors.Wrapf(models.ErrMalformedPayload, "gzip: %v", err)
		}
	}

	if len(data) < models.HeaderSize {
		return nil, errors.Wrapf(models.ErrMalformedPayload, "nifti file has %d bytes, header needs %d", len(data), models.HeaderSize)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(data) == models.HeaderSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(data) == models.HeaderSize:
		order = binary.BigEndian
	default:
		return nil, errors.Wrap(models.ErrMalformedPayload, "sizeof_hdr is not 348, not a NIfTI-1 file")
	}

	var hdr models.NiftiHeader
	if err := binary.Read(bytes.NewReader(data[:models.HeaderSize]), order, &hdr); err != nil {
		return nil, errors.Wrap(err, "reading nifti header")
	}
	if hdr.Magic != models.MagicSingleFile {
		return nil, errors.Wrapf(models.ErrMalformedPayload, "magic %q, only single-file n+1 images are supported", hdr.Magic[:3])
	}

	length, err := hdr.DataLength()
	if err != nil {
		return nil, err
	}
	offset := int(hdr.VoxOffset)
	if offset < dataOffset {
		offset = dataOffset
	}
	if uint64(len(data)) < uint64(offset)+length {
		return nil, errors.Wrapf(models.ErrMalformedPayload, "nifti file has %d bytes, data ends at %d", len(data), uint64(offset)+length)
	}

	voxels := slices.Clone(data[offset : uint64(offset)+length])
	if order == binary.BigEndian {
		swapBytes(voxels, elementWidth(hdr.Datatype))
	}

	vol := &models.Volume{Header: hdr, Data: voxels}
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	return vol, nil
}

// Write serializes vol as a little-endian single-file NIfTI-1 image. When compress
// is set the result is gzipped (.nii.gz).
func Write(vol *models.Volume, compress bool) ([]byte, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}

	hdr := vol.Header
	hdr.SizeofHdr = models.HeaderSize
	hdr.VoxOffset = dataOffset
	hdr.Magic = models.MagicSingleFile

	var buf bytes.Buffer
	buf.Grow(dataOffset + len(vol.Data))
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "writing nifti header")
	}
	// No header extensions
	buf.Write([]byte{0, 0, 0, 0})
	buf.Write(vol.Data)

	if !compress {
		return buf.Bytes(), nil
	}

	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	if _, err := zw.Write(buf.Bytes()); err != nil {
		return nil, errors.Wrap(err, "compressing nifti")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "compressing nifti")
	}
	return out.Bytes(), nil
}

// elementWidth returns the width in bytes of the unit that is byte swapped for a
// datatype: the scalar width, the part width for complex types, 1 for RGB types.
func elementWidth(datatype int16) int {
	switch datatype {
	case models.DTRGB24, models.DTRGBA32:
		return 1
	case models.DTComplex64:
		return 4
	case models.DTComplex128:
		return 8
	case models.DTComplex256:
		return 16
	}
	bitpix, _ := models.DatatypeBitpix(datatype)
	return int(bitpix) / 8
}

func swapBytes(b []byte, width int) {
	if width < 2 {
		return
	}
	for i := 0; i+width <= len(b); i += width {
		slices.Reverse(b[i : i+width])
	}
}
