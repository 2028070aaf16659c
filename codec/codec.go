// Package codec packs rotation files into compressed tar archives.
//
// Archives are written atomically: the stream goes to a temporary file next to
// the destination, is fsynced and only then linked into place. An existing
// destination is never overwritten, so callers can pick a collision-free name
// and detect races through ErrExists.
package codec

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrExists is returned when the destination appeared before the archive
// could be moved into place.
var ErrExists = errors.New("archive destination already exists")

// ErrUnknownCodec is returned by ByName for unsupported names.
var ErrUnknownCodec = errors.New("unknown codec")

// Codec compresses a set of files into one archive.
type Codec interface {
	// Ext is the file extension of produced archives, without the leading dot.
	Ext() string
	// Compress packs srcs into dst. dst exists afterwards only on success.
	Compress(ctx context.Context, dst string, srcs []string) error
}

type compressor func(io.Writer) (io.WriteCloser, error)

type tarCodec struct {
	name string
	ext  string
	wrap compressor
}

func (c *tarCodec) Ext() string    { return c.ext }
func (c *tarCodec) String() string { return c.name }

// Zstd produces tar.zst archives.
func Zstd() Codec {
	return &tarCodec{name: "zstd", ext: "tar.zst", wrap: func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w)
	}}
}

// Gzip produces tar.gz archives.
func Gzip() Codec {
	return &tarCodec{name: "gzip", ext: "tar.gz", wrap: func(w io.Writer) (io.WriteCloser, error) {
		return gzip.NewWriterLevel(w, gzip.BestCompression)
	}}
}

// ByName returns the codec called name ("zstd" or "gzip"); "" selects zstd.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "zstd", "zst":
		return Zstd(), nil
	case "gzip", "gz":
		return Gzip(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

func (c *tarCodec) Compress(ctx context.Context, dst string, srcs []string) (err error) {
	tmp := dst + "." + uuid.NewString() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if f != nil {
			f.Close()
		}
		if err != nil {
			os.Remove(tmp)
		}
	}()

	zw, err := c.wrap(f)
	if err != nil {
		return fmt.Errorf("init %s writer: %w", c.name, err)
	}
	tw := tar.NewWriter(zw)
	for _, src := range srcs {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = appendFile(tw, src); err != nil {
			return fmt.Errorf("pack %s: %w", filepath.Base(src), err)
		}
	}
	if err = tw.Close(); err != nil {
		return err
	}
	if err = zw.Close(); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	err = f.Close()
	f = nil
	if err != nil {
		return err
	}
	return place(tmp, dst)
}

func appendFile(tw *tar.Writer, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(fi, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(src)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	// the header carries the stat size; a file still growing is cut there
	_, err = io.CopyN(tw, in, hdr.Size)
	return err
}

// place moves tmp onto dst without ever replacing an existing dst.
func place(tmp, dst string) error {
	err := os.Link(tmp, dst)
	if err == nil {
		return os.Remove(tmp)
	}
	if errors.Is(err, os.ErrExist) {
		return ErrExists
	}
	// filesystems without hard links
	if _, serr := os.Lstat(dst); serr == nil {
		return ErrExists
	}
	return os.Rename(tmp, dst)
}
