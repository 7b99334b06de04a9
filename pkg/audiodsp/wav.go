// Package audiodsp provides the small amount of WAV/PCM math the
// post-processing pipeline needs: RIFF container decode/encode, silence
// trimming, loudness normalisation, and linear-interpolation resampling.
//
// Grounded on the RIFF chunk walker and resampler in the teacher's
// pkg/provider/tts/coqui package — the same "manually parse the WAV header
// a local ML server handed back" problem, generalised here to round-trip
// (decode AND encode, since the post-processing pipeline writes files back
// out) and to operate on normalised float32 samples so trim/normalise math
// doesn't need to re-derive int16 clamping at every call site.
package audiodsp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// AudioData is decoded PCM audio: one float32 per sample, interleaved across
// channels, normalised to [-1, 1]. This is the in-memory representation the
// post-processing pipeline (verify → trim → normalise → rvc) operates on;
// [DecodeWAV] and [EncodeWAV] are its only boundary with the WAV file format.
type AudioData struct {
	SampleRate int
	Channels   int
	Samples    []float32 // interleaved, len%Channels == 0
}

// Duration returns the audio length in seconds.
func (a AudioData) Duration() float64 {
	if a.SampleRate == 0 || a.Channels == 0 {
		return 0
	}
	frames := len(a.Samples) / a.Channels
	return float64(frames) / float64(a.SampleRate)
}

// Frames returns the number of interleaved sample frames (one frame = one
// sample per channel).
func (a AudioData) Frames() int {
	if a.Channels == 0 {
		return 0
	}
	return len(a.Samples) / a.Channels
}

const wavHeaderMinLen = 12

// wavInfo holds the format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset    int
	DataSize      int
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// parseWAVHeader scans the RIFF/WAVE container in wav and returns the data
// offset and audio format from the "fmt " sub-chunk. Reading the chunk sizes
// rather than assuming a fixed 44-byte header is necessary because encoders
// routinely insert extra chunks (LIST, fact, …) before "data".
func parseWAVHeader(wav []byte) (wavInfo, error) {
	if len(wav) < wavHeaderMinLen {
		return wavInfo{}, errors.New("audiodsp: WAV data too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("audiodsp: missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("audiodsp: missing WAVE identifier")
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
				info.BitsPerSample = int(binary.LittleEndian.Uint16(fmtData[14:16]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			info.DataSize = chunkSize
			if offset+8+chunkSize > len(wav) {
				info.DataSize = len(wav) - info.DataOffset
			}
			if !foundFmt {
				return wavInfo{}, errors.New("audiodsp: data chunk precedes fmt chunk")
			}
			return info, nil
		}

		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("audiodsp: missing data chunk")
}

// DecodeWAV parses a 16-bit PCM WAV file into [AudioData]. Only integer PCM
// (bits-per-sample 16) is supported, which covers every format emitted by
// the worker protocol in spec.md §6.
func DecodeWAV(wav []byte) (AudioData, error) {
	info, err := parseWAVHeader(wav)
	if err != nil {
		return AudioData{}, err
	}
	if info.BitsPerSample != 16 {
		return AudioData{}, fmt.Errorf("audiodsp: unsupported bits-per-sample %d (want 16)", info.BitsPerSample)
	}
	if info.Channels == 0 {
		return AudioData{}, errors.New("audiodsp: fmt chunk declares zero channels")
	}

	raw := wav[info.DataOffset : info.DataOffset+info.DataSize]
	n := len(raw) / 2
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
		samples[i] = float32(v) / 32768.0
	}

	return AudioData{
		SampleRate: info.SampleRate,
		Channels:   info.Channels,
		Samples:    samples,
	}, nil
}

// EncodeWAV serialises a into a canonical 16-bit PCM RIFF/WAVE file.
func EncodeWAV(a AudioData) []byte {
	dataSize := len(a.Samples) * 2
	blockAlign := a.Channels * 2
	byteRate := a.SampleRate * blockAlign

	buf := make([]byte, 44+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(a.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(a.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, s := range a.Samples {
		v := clampInt16(s)
		binary.LittleEndian.PutUint16(buf[44+i*2:44+i*2+2], uint16(v))
	}
	return buf
}

func clampInt16(s float32) int16 {
	v := s * 32768.0
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
