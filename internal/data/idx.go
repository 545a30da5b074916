package data

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// ImageSize is the side length of an MNIST digit
	ImageSize = 28

	// PixelsPerImage is the flattened image size
	PixelsPerImage = ImageSize * ImageSize

	// NumClasses is the number of labels
	NumClasses = 10

	idxImageMagic = 0x00000803
	idxLabelMagic = 0x00000801

	// maxPrealloc caps the slice capacity reserved from a header count
	maxPrealloc = 1 << 16
)

// Sample is one labelled digit with raw 0-255 pixels, row-major
type Sample struct {
	Image []byte `json:"image"`
	Label uint8  `json:"label"`
}

// ReadIDXImages parses an IDX3 image file
func ReadIDXImages(r io.Reader) ([][]byte, error) {
	var header [4]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}

	if header[0] != idxImageMagic {
		return nil, fmt.Errorf("invalid image magic: %#08x", header[0])
	}

	count, rows, cols := int(header[1]), int(header[2]), int(header[3])
	if rows != ImageSize || cols != ImageSize {
		return nil, fmt.Errorf("unexpected image size %dx%d", rows, cols)
	}

	// The header count is untrusted; grow with the data actually read
	images := make([][]byte, 0, min(count, maxPrealloc))
	for i := 0; i < count; i++ {
		img := make([]byte, PixelsPerImage)
		if _, err := io.ReadFull(r, img); err != nil {
			return nil, fmt.Errorf("failed to read image %d of %d: %w", i, count, err)
		}
		images = append(images, img)
	}

	return images, nil
}

// ReadIDXLabels parses an IDX1 label file
func ReadIDXLabels(r io.Reader) ([]uint8, error) {
	var header [2]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read label header: %w", err)
	}

	if header[0] != idxLabelMagic {
		return nil, fmt.Errorf("invalid label magic: %#08x", header[0])
	}

	count := int64(header[1])
	labels, err := io.ReadAll(io.LimitReader(r, count))
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	if int64(len(labels)) != count {
		return nil, fmt.Errorf("failed to read labels: got %d of %d: %w", len(labels), count, io.ErrUnexpectedEOF)
	}

	for i, l := range labels {
		if int(l) >= NumClasses {
			return nil, fmt.Errorf("label %d out of range: %d", i, l)
		}
	}

	return labels, nil
}

// LoadIDX reads an image file and its label file into samples. Files
// ending in .gz are decompressed.
func LoadIDX(imagesPath, labelsPath string) ([]Sample, error) {
	var images [][]byte
	err := withIDXFile(imagesPath, func(r io.Reader) error {
		var err error
		images, err = ReadIDXImages(r)
		return err
	})
	if err != nil {
		return nil, err
	}

	var labels []uint8
	err = withIDXFile(labelsPath, func(r io.Reader) error {
		var err error
		labels, err = ReadIDXLabels(r)
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(images) != len(labels) {
		return nil, fmt.Errorf("image/label count mismatch: %d vs %d", len(images), len(labels))
	}

	samples := make([]Sample, len(images))
	for i := range images {
		samples[i] = Sample{Image: images[i], Label: labels[i]}
	}

	return samples, nil
}

func withIDXFile(path string, fn func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("failed to open gzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	if err := fn(r); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
