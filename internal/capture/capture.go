//go:build linux

// Package capture records the traffic of a session's host veth.
package capture

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Lylelee/nsjail/internal/logger"
	appErr "github.com/Lylelee/nsjail/pkg/errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const stopTimeout = 2 * time.Second

// sink writes a pcap stream, zstd-compressed when the file name ends in .zst.
type sink struct {
	file    *os.File
	zw      *zstd.Encoder
	w       *pcapgo.Writer
	snapLen int
}

func newSink(path string, snapLen int) (*sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	s := &sink{file: f, snapLen: snapLen}

	var out io.Writer = f
	if strings.HasSuffix(path, ".zst") {
		zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			f.Close()
			return nil, err
		}
		s.zw = zw
		out = zw
	}

	s.w = pcapgo.NewWriter(out)
	if err := s.w.WriteFileHeader(uint32(snapLen), layers.LinkTypeEthernet); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *sink) write(ci gopacket.CaptureInfo, data []byte) error {
	if len(data) > s.snapLen {
		data = data[:s.snapLen]
	}
	ci.CaptureLength = len(data)
	return s.w.WritePacket(ci, data)
}

func (s *sink) close() error {
	var errs []error
	if s.zw != nil {
		errs = append(errs, s.zw.Close())
	}
	errs = append(errs, s.file.Close())
	return errors.Join(errs...)
}

// packetSource is the read side of a capture handle.
type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	Close()
}

// Recorder captures one interface until it goes away or Stop is called.
type Recorder struct {
	iface    string
	handle   packetSource
	sink     *sink
	counters *Counters

	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}
	loopErr  error
}

// Start opens iface and begins recording. local is the session address
// the counters are kept for.
func Start(ctx context.Context, iface, path string, snapLen int, local net.IP) (*Recorder, error) {
	handle, err := pcapgo.NewEthernetHandle(iface)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.NetworkFailed, "open capture on %s failed", iface)
	}
	s, err := newSink(path, snapLen)
	if err != nil {
		handle.Close()
		return nil, appErr.Wrapf(err, appErr.NetworkFailed, "open capture file %s failed", path)
	}

	r := newRecorder(ctx, iface, handle, s, local)
	logger.Info(ctx, "capture started", zap.String("iface", iface), zap.String("file", path))
	return r, nil
}

func newRecorder(ctx context.Context, iface string, src packetSource, s *sink, local net.IP) *Recorder {
	r := &Recorder{
		iface:    iface,
		handle:   src,
		sink:     s,
		counters: NewCounters(local),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.loop(ctx)
	return r
}

// hasErrno reports whether err carries one of errnos. The capture handle
// formats errors with %s, so the text is matched as well.
func hasErrno(err error, errnos ...syscall.Errno) bool {
	for _, errno := range errnos {
		if errors.Is(err, errno) || strings.Contains(err.Error(), errno.Error()) {
			return true
		}
	}
	return false
}

func (r *Recorder) loop(ctx context.Context) {
	defer close(r.done)
	for {
		data, ci, err := r.handle.ReadPacketData()
		if err != nil {
			select {
			case <-r.stopping:
				return
			default:
			}
			if hasErrno(err, syscall.EINTR, syscall.EAGAIN) {
				continue
			}
			// The host veth disappears when the session is decommissioned.
			if hasErrno(err, syscall.ENETDOWN, syscall.ENXIO, syscall.EBADF) {
				logger.Debug(ctx, "capture interface gone", zap.String("iface", r.iface), zap.Error(err))
				return
			}
			r.loopErr = err
			return
		}
		r.counters.Observe(data)
		if err := r.sink.write(ci, data); err != nil {
			r.loopErr = err
			return
		}
	}
}

// Counters returns the live traffic counters.
func (r *Recorder) Counters() *Counters {
	return r.counters
}

func (r *Recorder) wait(d time.Duration) bool {
	select {
	case <-r.done:
		return true
	case <-time.After(d):
		return false
	}
}

// Stop ends the capture, flushes the file and logs the counters. It is
// meant to run after the veth was removed, which ends the read loop.
func (r *Recorder) Stop(ctx context.Context) error {
	var err error
	r.stopOnce.Do(func() {
		close(r.stopping)
		if !r.wait(stopTimeout) {
			logger.Warn(ctx, "capture loop still reading, closing handle", zap.String("iface", r.iface))
		}
		r.handle.Close()
		if !r.wait(stopTimeout) {
			// The reader still owns the sink; leave it to process exit.
			err = appErr.Newf(appErr.CleanupFailed, "capture on %s did not stop", r.iface)
			logger.Warn(ctx, "capture loop did not stop", zap.String("iface", r.iface))
			return
		}

		errs := []error{r.loopErr, r.sink.close()}
		if joined := errors.Join(errs...); joined != nil {
			err = appErr.Wrapf(joined, appErr.CleanupFailed, "capture on %s failed", r.iface)
			logger.Warn(ctx, "capture ended with error", zap.Error(joined))
		}
		r.counters.Log(ctx)
		logger.Info(ctx, "capture stopped", zap.String("iface", r.iface))
	})
	return err
}
