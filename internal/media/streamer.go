package media

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"cadenza/internal/storage"
)

const (
	// Buffer size for streaming (64KB)
	streamBufferSize = 64 * 1024

	// audioContentType is sent for every stream regardless of the file kind
	audioContentType = "audio/mpeg"
)

// ErrNotFound is returned when the requested file does not exist in storage.
var ErrNotFound = errors.New("audio file not found")

// Streamer serves stored audio files, whole or as a single byte range
type Streamer struct {
	store storage.Store
}

// NewStreamer creates a streamer reading from store
func NewStreamer(store storage.Store) *Streamer {
	return &Streamer{store: store}
}

// Stream is a prepared response: status, headers and a body bounded to
// exactly the bytes being sent. Close must be called when done.
type Stream struct {
	Status int
	Header http.Header
	Body   io.Reader
	Size   int64 // total file size
	Length int64 // bytes in Body

	file storage.File
}

// Open prepares the response for key. A nil rng selects the whole file.
func (s *Streamer) Open(key string, rng *ByteRange) (*Stream, error) {
	file, err := s.store.Open(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error opening audio file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("error reading file info: %w", err)
	}
	size := stat.Size()

	stream := &Stream{
		Header: make(http.Header),
		Size:   size,
		file:   file,
	}
	stream.Header.Set("Content-Type", audioContentType)
	stream.Header.Set("Accept-Ranges", "bytes")

	if rng == nil {
		stream.Status = http.StatusOK
		stream.Length = size
		stream.Body = file
		stream.Header.Set("Content-Length", strconv.FormatInt(size, 10))
		return stream, nil
	}

	start, end, err := rng.Resolve(size)
	if err != nil {
		file.Close()
		return nil, err
	}

	length := end - start + 1
	stream.Status = http.StatusPartialContent
	stream.Length = length
	// SectionReader never reads outside [start, start+length)
	stream.Body = io.NewSectionReader(file, start, length)
	stream.Header.Set("Content-Length", strconv.FormatInt(length, 10))
	stream.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	return stream, nil
}

// Send writes headers, status and body to w.
func (st *Stream) Send(w http.ResponseWriter) (int64, error) {
	for key, values := range st.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(st.Status)

	buffer := make([]byte, streamBufferSize)
	return io.CopyBuffer(w, st.Body, buffer)
}

// Close releases the underlying file
func (st *Stream) Close() error {
	return st.file.Close()
}
