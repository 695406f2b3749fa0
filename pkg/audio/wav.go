// Package audio provides the PCM primitives Chronocast's rendering and
// mastering stages share: RIFF/WAVE decode and encode, linear-interpolation
// resampling, channel conversion, and clip assembly with silence gaps.
//
// All PCM buffers are little-endian signed 16-bit samples, interleaved when
// stereo.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Clip is a decoded block of 16-bit PCM audio.
type Clip struct {
	PCM        []byte // little-endian int16 samples, interleaved
	SampleRate int
	Channels   int // 1 = mono, 2 = stereo
}

// Duration returns the play length of the clip.
func (c Clip) Duration() time.Duration {
	bytesPerSec := c.SampleRate * c.Channels * 2
	if bytesPerSec <= 0 {
		return 0
	}
	return time.Duration(float64(len(c.PCM)) / float64(bytesPerSec) * float64(time.Second))
}

// Samples returns the number of sample frames in the clip.
func (c Clip) Samples() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.PCM) / (2 * c.Channels)
}

// DecodeWAV parses a RIFF/WAVE container and returns its PCM payload. Only
// uncompressed 16-bit PCM is supported — that is what every synthesis server
// and music ingest in the pipeline produces. The chunk list is walked rather
// than assuming a 44-byte header because fmt chunk sizes vary.
func DecodeWAV(wav []byte) (Clip, error) {
	if len(wav) < 12 {
		return Clip{}, errors.New("audio: WAV data too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return Clip{}, errors.New("audio: WAV data missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return Clip{}, errors.New("audio: WAV data missing WAVE identifier")
	}

	var clip Clip
	var bitsPerSample int
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				format := int(binary.LittleEndian.Uint16(fmtData[0:2]))
				if format != 1 {
					return Clip{}, fmt.Errorf("audio: unsupported WAV format code %d (only PCM)", format)
				}
				clip.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				clip.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				bitsPerSample = int(binary.LittleEndian.Uint16(fmtData[14:16]))
				foundFmt = true
			}
		case "data":
			if !foundFmt {
				return Clip{}, errors.New("audio: WAV data chunk precedes fmt chunk")
			}
			if bitsPerSample != 16 {
				return Clip{}, fmt.Errorf("audio: unsupported bit depth %d (only 16-bit)", bitsPerSample)
			}
			end := offset + 8 + chunkSize
			if end > len(wav) {
				// Streaming writers leave stale size fields; take what is
				// actually there.
				end = len(wav)
			}
			clip.PCM = wav[offset+8 : end]
			return clip, nil
		}

		// Chunks are word-aligned: pad by 1 if the size is odd.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return Clip{}, errors.New("audio: WAV data missing data chunk")
}

// EncodeWAV wraps a clip in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(c Clip) []byte {
	dataSize := len(c.PCM)
	buf := make([]byte, 44+dataSize)

	blockAlign := c.Channels * 2
	byteRate := c.SampleRate * blockAlign

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(c.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(c.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], c.PCM)
	return buf
}
