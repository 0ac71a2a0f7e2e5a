//go:build linux || darwin

package writer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/isoflash/isoflash/pkg/devlock"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"enodev", &os.PathError{Op: "write", Path: "/dev/sdb", Err: syscall.ENODEV}, ErrDeviceRemoved},
		{"enxio", &os.PathError{Op: "write", Path: "/dev/sdb", Err: syscall.ENXIO}, ErrDeviceRemoved},
		{"eio", &os.PathError{Op: "write", Path: "/dev/sdb", Err: syscall.EIO}, ErrDeviceRemoved},
		{"eacces", &os.PathError{Op: "open", Path: "/dev/sdb", Err: syscall.EACCES}, ErrPermissionDenied},
		{"eperm", &os.PathError{Op: "open", Path: "/dev/sdb", Err: syscall.EPERM}, ErrPermissionDenied},
		{"ebusy", &os.PathError{Op: "open", Path: "/dev/sdb", Err: syscall.EBUSY}, ErrAlreadyInProgress},
		{"wrapped removal", fmt.Errorf("flush: %w", syscall.ENODEV), ErrDeviceRemoved},
		{"unknown", errors.New("something else"), nil},
		{"nil", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestTransferError(t *testing.T) {
	err := TransferFailure(opWrite, "/dev/sdb", 4096, &os.PathError{Op: "write", Path: "/dev/sdb", Err: syscall.EIO}, ErrWriteFailed)

	if !errors.Is(err, ErrDeviceRemoved) || !errors.Is(err, syscall.EIO) {
		t.Errorf("expected both the reason and the OS error to match: %v", err)
	}
	if err.Offset != 4096 {
		t.Errorf("offset %d", err.Offset)
	}
	msg := err.Error()
	if !strings.Contains(msg, "/dev/sdb") || !strings.Contains(msg, "4096") || !strings.Contains(msg, "input/output error") {
		t.Errorf("message should carry path, offset and OS text: %s", msg)
	}
}

func TestOpenFlags_DeviceNodesAreExclusive(t *testing.T) {
	regular, err := os.Stat(emptyTarget(t).Path)
	if err != nil {
		t.Fatal(err)
	}
	if got := openFlags(regular, os.O_WRONLY); got != os.O_WRONLY {
		t.Errorf("regular file flags = %#x, want %#x", got, os.O_WRONLY)
	}

	node, err := os.Stat("/dev/null")
	if err != nil {
		t.Skip("no /dev/null")
	}
	if got := openFlags(node, os.O_WRONLY); got&os.O_EXCL == 0 {
		t.Errorf("device flags = %#x, want O_EXCL set", got)
	}
}

func TestWrite_DeviceHeldByAnotherProcess(t *testing.T) {
	image, _ := randomFile(t, t.TempDir(), "image.iso", 8192)
	target := emptyTarget(t)
	engine := NewEngine(devlock.NewRegistry(), nil, WithTargetOpener(func(path string) (Target, error) {
		return nil, &os.PathError{Op: "open", Path: path, Err: syscall.EBUSY}
	}))

	err := engine.Run(context.Background(), image, target, DefaultOptions(), nil)
	if !errors.Is(err, ErrAlreadyInProgress) {
		t.Fatalf("expected ErrAlreadyInProgress, got %v", err)
	}
	var te *TransferError
	if !errors.As(err, &te) || te.Path != target.Path {
		t.Errorf("error should name the device: %+v", te)
	}
}
