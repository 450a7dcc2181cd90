package metadata

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"cadenza/internal/storage"

	"github.com/go-audio/wav"
	"github.com/tcolgate/mp3"
)

// assumedBitrate is used to estimate MP3 length when no frame decodes
const assumedBitrate = 192000

// Duration returns the playing time of file in whole seconds, picking the
// decoder from the filename extension.
func Duration(file storage.File, filename string) (int, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".mp3":
		return durationMP3(file)
	case ".wav":
		return durationWAV(file)
	default:
		return 0, fmt.Errorf("unsupported format: %s", ext)
	}
}

// durationMP3 sums decoded frame durations. If no frame decodes at all the
// length is estimated from the file size.
func durationMP3(file storage.File) (int, error) {
	dec := mp3.NewDecoder(file)
	var total time.Duration
	var skipped int
	frames := 0
	for {
		var fr mp3.Frame
		if err := dec.Decode(&fr, &skipped); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if frames == 0 {
				return estimateFromSize(file, assumedBitrate)
			}
			break // partial decode, keep what we have
		}
		total += fr.Duration()
		frames++
	}
	return int(total.Seconds()), nil
}

// durationWAV reads the format header and derives length from the PCM
// payload size.
func durationWAV(file storage.File) (int, error) {
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("invalid wav file")
	}
	if dec.SampleRate == 0 || dec.BitDepth == 0 || dec.NumChans == 0 {
		return 0, fmt.Errorf("invalid wav header")
	}

	st, err := file.Stat()
	if err != nil {
		return 0, err
	}
	const headerSize = 44
	pcmBytes := st.Size() - headerSize
	if pcmBytes < 0 {
		pcmBytes = 0
	}
	frameSize := int64(dec.BitDepth/8) * int64(dec.NumChans)
	if frameSize <= 0 {
		return 0, fmt.Errorf("invalid sample frame size")
	}
	secs := float64(pcmBytes/frameSize) / float64(dec.SampleRate)
	return int(secs + 0.5), nil
}

func estimateFromSize(file storage.File, bitrate int64) (int, error) {
	st, err := file.Stat()
	if err != nil {
		return 0, err
	}
	return int(st.Size() * 8 / bitrate), nil
}
