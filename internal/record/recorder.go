// Package record writes encoded frames of one video service to disk
package record

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/google/uuid"
)

const ivfHeaderSize = 32

// Recorder is the optional recording sink of a capture loop
type Recorder interface {
	WriteFrame(frame *video.EncodedFrame, width, height int) error
	Close() error
}

// FileRecorder writes one file per codec run. A codec or size change closes
// the current file and starts a new one.
type FileRecorder struct {
	dir     string
	service string

	mu     sync.Mutex
	file   *os.File
	path   string
	codec  video.CodecFormat
	width  int
	height int
	frames uint32
	first  int64
}

// NewFileRecorder creates dir if needed
func NewFileRecorder(dir, service string) (*FileRecorder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create record directory: %w", err)
	}
	return &FileRecorder{dir: dir, service: service}, nil
}

// Extension returns the container extension for a codec
func Extension(codec video.CodecFormat) string {
	switch codec {
	case video.CodecVP8, video.CodecVP9, video.CodecAV1:
		return "ivf"
	case video.CodecH264:
		return "h264"
	case video.CodecH265:
		return "h265"
	case video.CodecMJPEG:
		return "mjpeg"
	default:
		return "bin"
	}
}

func ivfFourCC(codec video.CodecFormat) string {
	switch codec {
	case video.CodecVP8:
		return "VP80"
	case video.CodecVP9:
		return "VP90"
	default:
		return "AV01"
	}
}

// Path returns the file currently written, empty before the first frame
func (r *FileRecorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// WriteFrame appends frame, opening a new file when needed
func (r *FileRecorder) WriteFrame(frame *video.EncodedFrame, width, height int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil || frame.Codec != r.codec || width != r.width || height != r.height {
		if err := r.closeLocked(); err != nil {
			return err
		}
		if err := r.openLocked(frame.Codec, width, height, frame.Timestamp); err != nil {
			return err
		}
	}

	if Extension(r.codec) == "ivf" {
		var hdr [12]byte
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(frame.Data)))
		binary.LittleEndian.PutUint64(hdr[4:12], uint64(frame.Timestamp-r.first))
		if _, err := r.file.Write(hdr[:]); err != nil {
			return fmt.Errorf("failed to write frame header: %w", err)
		}
	}
	if _, err := r.file.Write(frame.Data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	r.frames++
	return nil
}

func (r *FileRecorder) openLocked(codec video.CodecFormat, width, height int, ts int64) error {
	name := fmt.Sprintf("%s_%s_%s.%s",
		r.service, time.Now().Format("20060102150405"), uuid.NewString(), Extension(codec))
	path := filepath.Join(r.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create recording: %w", err)
	}

	r.file = f
	r.path = path
	r.codec = codec
	r.width = width
	r.height = height
	r.frames = 0
	r.first = ts

	if Extension(codec) == "ivf" {
		if err := r.writeIVFHeader(); err != nil {
			return err
		}
	}

	logger.WithComponent("record").Info().
		Str("service", r.service).
		Str("path", path).
		Str("codec", string(codec)).
		Msg("Recording started")
	return nil
}

func (r *FileRecorder) writeIVFHeader() error {
	var hdr [ivfHeaderSize]byte
	copy(hdr[0:4], "DKIF")
	binary.LittleEndian.PutUint16(hdr[4:6], 0)
	binary.LittleEndian.PutUint16(hdr[6:8], ivfHeaderSize)
	copy(hdr[8:12], ivfFourCC(r.codec))
	binary.LittleEndian.PutUint16(hdr[12:14], uint16(r.width))
	binary.LittleEndian.PutUint16(hdr[14:16], uint16(r.height))
	// millisecond timebase
	binary.LittleEndian.PutUint32(hdr[16:20], 1000)
	binary.LittleEndian.PutUint32(hdr[20:24], 1)
	binary.LittleEndian.PutUint32(hdr[24:28], r.frames)

	if _, err := r.file.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("failed to write IVF header: %w", err)
	}
	if _, err := r.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek recording: %w", err)
	}
	return nil
}

func (r *FileRecorder) closeLocked() error {
	if r.file == nil {
		return nil
	}
	var err error
	if Extension(r.codec) == "ivf" {
		err = r.writeIVFHeader()
	}
	if cerr := r.file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close recording: %w", cerr)
	}

	logger.WithComponent("record").Info().
		Str("service", r.service).
		Str("path", r.path).
		Uint32("frames", r.frames).
		Msg("Recording finished")

	r.file = nil
	return err
}

// Close finalizes the current file
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}
