package image

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/isoflash/isoflash/pkg/errors"
)

// Options tune an Inspector.
type Options struct {
	// HashBufferSize is clamped to at least MinHashBufferSize.
	HashBufferSize int
	// ComputeMD5 adds an MD5 digest next to SHA-256.
	ComputeMD5 bool
	// MinSize overrides MinImageSize when positive.
	MinSize int64
}

// DefaultOptions returns a fresh default configuration.
func DefaultOptions() Options {
	return Options{HashBufferSize: DefaultHashBufferSize, MinSize: MinImageSize}
}

// Inspector validates and classifies images.
type Inspector struct {
	opts Options
}

// NewInspector creates an inspector.
func NewInspector(opts Options) *Inspector {
	if opts.HashBufferSize < MinHashBufferSize {
		opts.HashBufferSize = MinHashBufferSize
	}
	if opts.MinSize <= 0 {
		opts.MinSize = MinImageSize
	}
	return &Inspector{opts: opts}
}

// Analyze checks size and signature, hashes the file and classifies it.
func (i *Inspector) Analyze(ctx context.Context, path string) (*Descriptor, error) {
	slog.Info("image_analysis_start", "path", path)

	f, err := os.Open(path)
	if err != nil {
		return nil, &IntegrityError{Path: path, Err: errors.Join(ErrReadFailure, err)}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &IntegrityError{Path: path, Err: errors.Join(ErrReadFailure, err)}
	}
	if info.IsDir() {
		return nil, &IntegrityError{Path: path, Err: ErrNotAnImage}
	}

	header, err := readHeader(f)
	if err != nil {
		return nil, &IntegrityError{Path: path, Err: errors.Join(ErrReadFailure, err)}
	}

	var problems []error
	if info.Size() < i.opts.MinSize {
		problems = append(problems, ErrImplausiblySmall)
	}
	if !hasSignature(header) {
		problems = append(problems, ErrNotAnImage)
	}
	if len(problems) > 0 {
		slog.Error("image_rejected", "path", path, "size", info.Size(), "problems", len(problems))
		return nil, &IntegrityError{Path: path, Err: errors.Join(problems...)}
	}

	desc := &Descriptor{Path: path, SizeBytes: info.Size()}
	if err := i.hash(ctx, f, desc); err != nil {
		return nil, err
	}

	classify(f, desc)

	slog.Info("image_analysis_complete",
		"path", path,
		"size", desc.SizeBytes,
		"sha256", desc.SHA256,
		"bootable", desc.IsBootable,
		"uefi", desc.IsUEFICapable,
		"hybrid", desc.IsHybrid)
	return desc, nil
}

// VerifyIntegrity analyzes the image and, when expectedSHA256 is not empty,
// compares the digest case-insensitively.
func (i *Inspector) VerifyIntegrity(ctx context.Context, path, expectedSHA256 string) (*Descriptor, error) {
	desc, err := i.Analyze(ctx, path)
	if err != nil {
		return nil, err
	}

	expected := strings.ToLower(strings.TrimSpace(expectedSHA256))
	if expected != "" && expected != desc.SHA256 {
		slog.Error("image_checksum_mismatch", "path", path, "expected", expected, "actual", desc.SHA256)
		return desc, &IntegrityError{
			Path: path,
			Err:  errors.Wrapf(ErrChecksumMismatch, "expected %s, got %s", expected, desc.SHA256),
		}
	}
	return desc, nil
}

func (i *Inspector) hash(ctx context.Context, f *os.File, desc *Descriptor) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return &IntegrityError{Path: desc.Path, Err: errors.Join(ErrReadFailure, err)}
	}

	sha := sha256.New()
	var sum hash.Hash
	w := io.Writer(sha)
	if i.opts.ComputeMD5 {
		sum = md5.New()
		w = io.MultiWriter(sha, sum)
	}

	buf := make([]byte, i.opts.HashBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := f.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return &IntegrityError{Path: desc.Path, Err: errors.Join(ErrReadFailure, err)}
		}
	}

	desc.SHA256 = hex.EncodeToString(sha.Sum(nil))
	if sum != nil {
		desc.MD5 = hex.EncodeToString(sum.Sum(nil))
	}
	return nil
}

// readHeader returns up to the system area plus the first volume
// descriptor. Short files yield a short header.
func readHeader(r io.ReaderAt) ([]byte, error) {
	header := make([]byte, headerReadSize)
	n, err := r.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return header[:n], nil
}

func hasSignature(header []byte) bool {
	if len(header) < signatureOffset+len(isoSignature) {
		return false
	}
	return string(header[signatureOffset:signatureOffset+len(isoSignature)]) == isoSignature
}
