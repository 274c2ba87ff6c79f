// Package disk creates and inspects guest disk images with qemu-img.
package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/alexandremahdhaoui/virtcase/pkg/process"
	"github.com/tidwall/gjson"
)

var (
	errCreateImage = errors.New("failed to create disk image")
	errImageInfo   = errors.New("failed to inspect disk image")
	errRemoveImage = errors.New("failed to remove disk image")
	errResizeImage = errors.New("failed to resize disk image")
)

// ImageInfo is the subset of `qemu-img info --output=json` the harness uses.
type ImageInfo struct {
	Filename    string
	Format      string
	VirtualSize int64
	ActualSize  int64
	BackingFile string
	Dirty       bool
}

// CreateOptions configures Create.
type CreateOptions struct {
	Format string
	// Size such as "10G". May be empty when Backing is set.
	Size          string
	Backing       string
	BackingFormat string
	// Options are passed as -o, e.g. "preallocation=metadata".
	Options string
}

// QemuImg wraps the qemu-img binary.
type QemuImg struct {
	runner process.Runner
	binary string
}

// New returns a QemuImg running "qemu-img" through runner.
func New(runner process.Runner) *QemuImg {
	return &QemuImg{runner: runner, binary: "qemu-img"}
}

func (q *QemuImg) run(ctx context.Context, sentinel error, args ...string) (*process.Result, error) {
	res, err := q.runner.Run(ctx, q.binary, args...)
	if err != nil {
		return nil, errors.Join(err, sentinel)
	}
	if !res.Ok() {
		return res, errors.Join(fmt.Errorf("%s", res.StderrText()), sentinel)
	}
	return res, nil
}

// Create creates an image, optionally as an overlay of a backing file.
func (q *QemuImg) Create(ctx context.Context, path string, opts CreateOptions) error {
	format := opts.Format
	if format == "" {
		format = "qcow2"
	}
	args := []string{"create", "-f", format}
	if opts.Backing != "" {
		args = append(args, "-b", opts.Backing)
		if opts.BackingFormat != "" {
			args = append(args, "-F", opts.BackingFormat)
		}
	}
	if opts.Options != "" {
		args = append(args, "-o", opts.Options)
	}
	args = append(args, path)
	if opts.Size != "" {
		args = append(args, opts.Size)
	}

	if _, err := q.run(ctx, errCreateImage, args...); err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", path))
	}
	return nil
}

// Info inspects an image.
func (q *QemuImg) Info(ctx context.Context, path string) (ImageInfo, error) {
	res, err := q.run(ctx, errImageInfo, "info", "--output=json", "-U", path)
	if err != nil {
		return ImageInfo{}, errors.Join(err, fmt.Errorf("path=%s", path))
	}
	return ParseInfo(res.Stdout)
}

// ParseInfo decodes `qemu-img info --output=json`.
func ParseInfo(doc string) (ImageInfo, error) {
	if !gjson.Valid(doc) {
		return ImageInfo{}, fmt.Errorf("%w: invalid JSON", errImageInfo)
	}
	r := gjson.Parse(doc)
	return ImageInfo{
		Filename:    r.Get("filename").String(),
		Format:      r.Get("format").String(),
		VirtualSize: r.Get("virtual-size").Int(),
		ActualSize:  r.Get("actual-size").Int(),
		BackingFile: r.Get("backing-filename").String(),
		Dirty:       r.Get("dirty-flag").Bool(),
	}, nil
}

// Resize grows or shrinks an image, e.g. size "+1G".
func (q *QemuImg) Resize(ctx context.Context, path, size string) error {
	args := []string{"resize"}
	if len(size) > 0 && size[0] == '-' {
		args = append(args, "--shrink")
	}
	args = append(args, path, size)
	if _, err := q.run(ctx, errResizeImage, args...); err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", path))
	}
	return nil
}

// Remove deletes an image. A missing image is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Join(err, fmt.Errorf("path=%s", path), errRemoveImage)
	}
	return nil
}

// ParseSize converts sizes such as "512M", "10G" or "1024" (bytes) to bytes.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	num := s
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
	case 'M':
		mult = 1 << 20
	case 'G':
		mult = 1 << 30
	case 'T':
		mult = 1 << 40
	}
	if mult != 1 {
		num = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n * mult, nil
}
