package modem

import (
	"os"
	"syscall"
	"time"
	"unsafe"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

const (
	cFIONREAD = 0x541b
	cTCSETSF  = 0x5404
)

// Porter is the serial transport under the AT protocol.
// Read blocks for a short internal wait, then fails with a timeout error;
// callers loop against their own deadline.
type Porter interface {
	Open(device string, baud int) error
	Close() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

type filePort struct {
	f    *os.File
	wait time.Duration
}

func NewFilePort() *filePort { return &filePort{wait: 50 * time.Millisecond} }

func (fp *filePort) Open(device string, baud int) error {
	if fp.f != nil {
		fp.f.Close()
	}
	speed, err := baudFlag(baud)
	if err != nil {
		return errors.Trace(err)
	}
	fp.f, err = os.OpenFile(device, syscall.O_RDWR|syscall.O_NOCTTY, 0600)
	if err != nil {
		return errors.Trace(err)
	}
	t := unix.Termios{
		Iflag:  unix.IGNBRK,
		Cflag:  unix.CLOCAL | unix.CREAD | unix.CS8 | speed,
		Ispeed: speed,
		Ospeed: speed,
	}
	// VMIN=0 VTIME=0: reads only drain what FIONREAD reported
	if err = ioctl(fp.f.Fd(), uintptr(cTCSETSF), uintptr(unsafe.Pointer(&t))); err != nil {
		fp.f.Close()
		fp.f = nil
		return errors.Annotatef(err, "termios device=%s", device)
	}
	return nil
}

func (fp *filePort) Close() error {
	if fp.f == nil {
		return nil
	}
	err := fp.f.Close()
	fp.f = nil
	return err
}

func (fp *filePort) Read(p []byte) (int, error) {
	if err := ioWaitRead(fp.f.Fd(), 1, fp.wait); err != nil {
		return 0, err
	}
	return syscall.Read(int(fp.f.Fd()), p)
}

func (fp *filePort) Write(p []byte) (int, error) { return fp.f.Write(p) }

func baudFlag(baud int) (uint32, error) {
	switch baud {
	case 0, 115200:
		return unix.B115200, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	}
	return 0, errors.Errorf("modem: unsupported baud=%d", baud)
}

func ioctl(fd uintptr, op, arg uintptr) (err error) {
	r, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		err = os.NewSyscallError("SYS_IOCTL", errno)
	} else if r != 0 {
		err = errors.New("unknown error from SYS_IOCTL")
	}
	return err
}

func ioWaitRead(fd uintptr, min int, wait time.Duration) error {
	var out int
	tfinal := time.Now().Add(wait)
	for {
		if err := ioctl(fd, uintptr(cFIONREAD), uintptr(unsafe.Pointer(&out))); err != nil {
			return err
		}
		if out >= min {
			return nil
		}
		if time.Now().After(tfinal) {
			return errors.Timeoutf("modem: read wait=%s", wait)
		}
		time.Sleep(wait / 20)
	}
}
