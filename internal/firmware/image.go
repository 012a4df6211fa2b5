// Package firmware models the firmware files a flash targets: a single
// opaque image per flash offset, grouped into an ordered bundle.
package firmware

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ESP magic byte expected at offset 0 of a valid image.
const espMagic = 0xE9

// Canonical ESP32-C3 flash layout.
const (
	BootloaderAddress  = 0x0000
	PartitionsAddress  = 0x8000
	ApplicationAddress = 0x10000
)

// Image is an opaque firmware payload with a target flash offset.
// Immutable once loaded.
type Image struct {
	SourcePath string
	Payload    []byte
	Offset     uint32
}

// LoadImage reads path into an Image at the given offset.
func LoadImage(path string, offset uint32) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &Image{SourcePath: path, Payload: data, Offset: offset}, nil
}

// IsValid reports whether the image carries a plausible ESP image header.
func (img *Image) IsValid() bool {
	return len(img.Payload) >= 8 && img.Payload[0] == espMagic
}

// Size returns the payload length.
func (img *Image) Size() int {
	return len(img.Payload)
}

// canonicalNames maps a canonical offset to the name used in descriptions.
var canonicalNames = map[uint32]string{
	BootloaderAddress:  "bootloader",
	PartitionsAddress:  "partitions",
	ApplicationAddress: "app",
}

// offsetKeywords trigger the merged-image offset when present in a
// single-file name (case-insensitive).
var offsetKeywords = []string{"merged", "factory", "combined", "full"}

// InferSingleFileOffset returns the target offset for a standalone firmware
// file based on its filename.
func InferSingleFileOffset(path string) uint32 {
	name := strings.ToLower(filepath.Base(path))
	for _, kw := range offsetKeywords {
		if strings.Contains(name, kw) {
			return BootloaderAddress
		}
	}
	return ApplicationAddress
}

// Bundle is an ordered collection of images, sorted by offset ascending.
type Bundle struct {
	images []*Image
}

// NewBundle constructs a bundle from images, sorting them by offset.
func NewBundle(images []*Image) *Bundle {
	b := &Bundle{images: append([]*Image(nil), images...)}
	sort.Slice(b.images, func(i, j int) bool {
		return b.images[i].Offset < b.images[j].Offset
	})
	return b
}

// LoadSingleFile builds a one-image bundle, inferring the offset from the
// filename.
func LoadSingleFile(path string) (*Bundle, error) {
	img, err := LoadImage(path, InferSingleFileOffset(path))
	if err != nil {
		return nil, err
	}
	return NewBundle([]*Image{img}), nil
}

// canonicalFile pairs a canonical filename with its fixed offset.
type canonicalFile struct {
	name   string
	offset uint32
}

var canonicalFiles = []canonicalFile{
	{"bootloader.bin", BootloaderAddress},
	{"partitions.bin", PartitionsAddress},
	{"firmware.bin", ApplicationAddress},
}

// LoadDirectory scans dir for the canonical bootloader/partitions/firmware
// filenames. firmware.bin is mandatory; the other two are optional.
func LoadDirectory(dir string) (*Bundle, error) {
	var images []*Image
	haveFirmware := false

	for _, cf := range canonicalFiles {
		path := filepath.Join(dir, cf.name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		img, err := LoadImage(path, cf.offset)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
		if cf.name == "firmware.bin" {
			haveFirmware = true
		}
	}

	if !haveFirmware {
		if len(images) == 0 {
			return nil, fmt.Errorf("invalid firmware: no canonical firmware files found in %s", dir)
		}
		return nil, fmt.Errorf("invalid firmware: firmware.bin is required in %s", dir)
	}

	return NewBundle(images), nil
}

// Images returns the images in offset order.
func (b *Bundle) Images() []*Image {
	return b.images
}

// TotalSize returns the sum of every image's payload length.
func (b *Bundle) TotalSize() int {
	total := 0
	for _, img := range b.images {
		total += img.Size()
	}
	return total
}

// IsComplete reports whether the bundle contains all three canonical
// offsets.
func (b *Bundle) IsComplete() bool {
	seen := map[uint32]bool{}
	for _, img := range b.images {
		seen[img.Offset] = true
	}
	return seen[BootloaderAddress] && seen[PartitionsAddress] && seen[ApplicationAddress]
}

// IsValid reports whether every image in the bundle is valid.
func (b *Bundle) IsValid() bool {
	if len(b.images) == 0 {
		return false
	}
	for _, img := range b.images {
		if !img.IsValid() {
			return false
		}
	}
	return true
}

// Description renders a one-line summary: "name @ 0xOFFSET (size)" per
// image, joined by ", ", using canonical names where the offset matches.
func (b *Bundle) Description() string {
	parts := make([]string, 0, len(b.images))
	for _, img := range b.images {
		name, ok := canonicalNames[img.Offset]
		if !ok {
			name = filepath.Base(img.SourcePath)
		}
		parts = append(parts, fmt.Sprintf("%s @ 0x%04X (%d bytes)", name, img.Offset, img.Size()))
	}
	return strings.Join(parts, ", ")
}
