package disk

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Format is the on-disk format of a VM disk image.
type Format string

const (
	FormatQCOW2 Format = "qcow2"
	FormatRaw   Format = "raw"
)

var (
	// qcow2Magic is "QFI" followed by 0xfb at offset 0.
	// Reference: https://www.qemu.org/docs/master/interop/qcow2.html
	qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb}

	// mbrSignature is the boot sector signature at offset 510. GPT disks
	// carry it too in their protective MBR.
	mbrSignature = []byte{0x55, 0xaa}
)

// DetectFormat reads the magic bytes of the image at path.
//
// Images that are neither qcow2 nor carry a boot sector signature are
// rejected, so stray files in a VM home are never treated as disks.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open image: %w", err)
	}
	defer func() { _ = f.Close() }()

	magic := make([]byte, len(qcow2Magic))
	if _, err := io.ReadFull(f, magic); err != nil {
		return "", fmt.Errorf("file too small to be an image: %w", err)
	}
	if bytes.Equal(magic, qcow2Magic) {
		return FormatQCOW2, nil
	}

	if _, err := f.Seek(510, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to seek to boot sector signature: %w", err)
	}
	sig := make([]byte, len(mbrSignature))
	if _, err := io.ReadFull(f, sig); err != nil {
		return "", fmt.Errorf("file too small for a boot sector: %w", err)
	}
	if bytes.Equal(sig, mbrSignature) {
		return FormatRaw, nil
	}

	return "", fmt.Errorf("unsupported image: not qcow2 and no boot sector signature")
}
