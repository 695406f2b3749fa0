package piper

import (
	"encoding/binary"
	"errors"
	"time"
)

// wavInfo holds the format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset int // byte offset of the first PCM sample
	DataSize   int // size of the data chunk in bytes
	SampleRate int // samples per second (e.g., 22050, 48000)
	Channels   int // 1 = mono, 2 = stereo
	BitsPerSmp int // bits per sample, typically 16
}

// duration computes the play length of the data chunk. totalLen bounds the
// data size when the header declares more bytes than the payload contains
// (some servers stream with a zero or stale size field).
func (w wavInfo) duration(totalLen int) time.Duration {
	size := w.DataSize
	if size <= 0 || w.DataOffset+size > totalLen {
		size = totalLen - w.DataOffset
	}
	bytesPerSec := w.SampleRate * w.Channels * w.BitsPerSmp / 8
	if bytesPerSec <= 0 {
		return 0
	}
	return time.Duration(float64(size) / float64(bytesPerSec) * float64(time.Second))
}

// parseWAV scans the RIFF/WAVE container in wav and returns the data offset
// and audio format from the "fmt " sub-chunk. Walking the chunk list is more
// robust than hardcoding a 44-byte offset because the fmt chunk size may vary.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("piper: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("piper: WAV response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("piper: WAV response missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				info.BitsPerSmp = int(binary.LittleEndian.Uint16(fmtData[14:16]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			info.DataSize = chunkSize
			if !foundFmt {
				// fmt chunk should appear before data, but be defensive.
				info.SampleRate = 22050
				info.Channels = 1
				info.BitsPerSmp = 16
			}
			return info, nil
		}

		// Chunks are word-aligned: pad by 1 if the size is odd.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("piper: WAV response missing data chunk")
}
