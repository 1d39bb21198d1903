package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EncodeWAV wraps raw little-endian PCM bytes in a RIFF/WAVE header.
// sampleRate in Hz; channels and bitsPerSample (commonly 16) populate the
// fmt chunk. The data chunk size equals len(pcm) exactly.
func EncodeWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := uint32(4 + (8 + 16) + (8 + dataLen))

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

// EncodeWAV16 wraps int16 samples as a mono 16-bit WAV.
func EncodeWAV16(pcm []int16, sampleRate int) []byte {
	return EncodeWAV(PCMToBytes(pcm), sampleRate, 1, 16)
}

// DecodeWAV parses a 16-bit PCM WAV and returns its samples and sample
// rate. Chunks other than fmt/data are skipped.
func DecodeWAV(b []byte) ([]int16, int, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("wav: not a RIFF/WAVE stream")
	}
	var sampleRate int
	var channels, bits uint16
	var data []byte
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		off += 8
		if off+size > len(b) {
			return nil, 0, fmt.Errorf("wav: chunk %q overruns buffer", id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("wav: fmt chunk too small")
			}
			format := binary.LittleEndian.Uint16(b[off : off+2])
			if format != 1 {
				return nil, 0, fmt.Errorf("wav: unsupported format %d (want PCM)", format)
			}
			channels = binary.LittleEndian.Uint16(b[off+2 : off+4])
			sampleRate = int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
			bits = binary.LittleEndian.Uint16(b[off+14 : off+16])
		case "data":
			data = b[off : off+size]
		}
		off += size
		if size%2 == 1 {
			off++ // chunks are word aligned
		}
	}
	if sampleRate == 0 || data == nil {
		return nil, 0, fmt.Errorf("wav: missing fmt or data chunk")
	}
	if bits != 16 {
		return nil, 0, fmt.Errorf("wav: unsupported bit depth %d", bits)
	}
	if channels != 1 {
		return nil, 0, fmt.Errorf("wav: unsupported channel count %d", channels)
	}
	return BytesToPCM(data), sampleRate, nil
}

// PCMToBytes serializes int16 samples as little-endian bytes.
func PCMToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToPCM deserializes little-endian bytes into int16 samples. A
// trailing odd byte is ignored.
func BytesToPCM(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}
