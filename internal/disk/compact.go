// Package disk compacts the disk images of stopped VMs.
//
// Compaction rewrites each qcow2 image of a VM home with qemu-img, which
// drops unallocated and zeroed clusters. The rewritten image replaces
// the previous image only once qemu-img succeeded.
package disk

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
)

const (
	// DefaultQemuImg is the qemu-img binary looked up in PATH.
	DefaultQemuImg = "qemu-img"

	compactSuffix = ".compact"
)

// runFunc runs an external command and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Compactor rewrites the qcow2 images of a VM home.
type Compactor struct {
	qemuImg string
	run     runFunc
	logger  logr.Logger
}

// NewCompactor creates a compactor using the given qemu-img binary.
func NewCompactor(qemuImg string, logger logr.Logger) *Compactor {
	if qemuImg == "" {
		qemuImg = DefaultQemuImg
	}
	return &Compactor{
		qemuImg: qemuImg,
		run:     runCommand,
		logger:  logger.WithName("disk"),
	}
}

// Images returns the qcow2 images directly inside home, sorted by name.
// Raw images cannot be compacted and are skipped.
func Images(home string) ([]string, error) {
	entries, err := os.ReadDir(home)
	if err != nil {
		return nil, fmt.Errorf("failed to read vm home: %w", err)
	}

	var images []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasSuffix(e.Name(), compactSuffix) {
			continue
		}
		path := filepath.Join(home, e.Name())
		format, err := DetectFormat(path)
		if err != nil || format != FormatQCOW2 {
			continue
		}
		images = append(images, path)
	}
	return images, nil
}

// Compact rewrites every qcow2 image in home. It stops at the first
// failure; images already rewritten stay compacted.
func (c *Compactor) Compact(ctx context.Context, home string) error {
	images, err := Images(home)
	if err != nil {
		return err
	}
	if len(images) == 0 {
		c.logger.V(1).Info("no qcow2 images to compact", "home", home)
		return nil
	}

	for _, path := range images {
		if err := c.compactImage(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compactor) compactImage(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat image: %w", err)
	}

	tmp := path + compactSuffix
	c.logger.Info("compacting image", "path", path, "size", info.Size())

	output, err := c.run(ctx, c.qemuImg, "convert", "-O", string(FormatQCOW2), path, tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("qemu-img convert failed for %s: %w (output: %s)", path, err, strings.TrimSpace(string(output)))
	}

	if err := copyOwnership(tmp, info); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace image: %w", err)
	}

	if after, err := os.Stat(path); err == nil {
		c.logger.Info("image compacted", "path", path, "before", info.Size(), "after", after.Size())
	}
	return nil
}

// copyOwnership gives the rewritten image the owner and mode of the
// original so the qemu process can still open it.
func copyOwnership(path string, orig os.FileInfo) error {
	if st, ok := orig.Sys().(*syscall.Stat_t); ok {
		if err := os.Chown(path, int(st.Uid), int(st.Gid)); err != nil {
			return fmt.Errorf("failed to set ownership: %w", err)
		}
	}
	if err := os.Chmod(path, orig.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	return nil
}
