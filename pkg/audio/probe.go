package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrCorrupt is returned by [Probe] when a payload is truncated or does not
// carry the container signature of its declared format.
var ErrCorrupt = errors.New("audio: corrupt or truncated container")

// Info holds what could be learned from a container header. Zero values mean
// "not determinable" for that format.
type Info struct {
	Format        Format
	Duration      time.Duration
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// HasDuration reports whether the header yielded a duration.
func (i Info) HasDuration() bool { return i.Duration > 0 }

// HasSampleRate reports whether the header yielded a sample rate.
func (i Info) HasSampleRate() bool { return i.SampleRate > 0 }

// Probe checks that data is structurally well-formed for format f and
// extracts whatever stream parameters the header exposes.
func Probe(f Format, data []byte) (Info, error) {
	switch f {
	case FormatWAV:
		return probeWAV(data)
	case FormatMP3:
		return probeMP3(data)
	case FormatOGG:
		if len(data) < 27 || !bytes.HasPrefix(data, []byte("OggS")) || data[4] != 0 {
			return Info{}, fmt.Errorf("%w: missing OggS capture pattern", ErrCorrupt)
		}
		return Info{Format: f}, nil
	case FormatM4A:
		if len(data) < 12 || !bytes.Equal(data[4:8], []byte("ftyp")) {
			return Info{}, fmt.Errorf("%w: missing ftyp box", ErrCorrupt)
		}
		return Info{Format: f}, nil
	case FormatFLAC:
		return probeFLAC(data)
	case FormatWebM:
		if len(data) < 4 || !bytes.Equal(data[:4], []byte{0x1A, 0x45, 0xDF, 0xA3}) {
			return Info{}, fmt.Errorf("%w: missing EBML header", ErrCorrupt)
		}
		return Info{Format: f}, nil
	default:
		return Info{}, fmt.Errorf("audio: cannot probe format %q", f)
	}
}

// probeWAV walks the RIFF chunk list looking for "fmt " and "data".
func probeWAV(data []byte) (Info, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Info{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrCorrupt)
	}

	info := Info{Format: FormatWAV}
	var (
		byteRate int
		haveFmt  bool
		dataSize = -1
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			// A truncated data chunk is the classic broken upload.
			return Info{}, fmt.Errorf("%w: chunk %q overruns file", ErrCorrupt, id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return Info{}, fmt.Errorf("%w: fmt chunk too short", ErrCorrupt)
			}
			c := data[body : body+size]
			info.Channels = int(binary.LittleEndian.Uint16(c[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(c[4:8]))
			byteRate = int(binary.LittleEndian.Uint32(c[8:12]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(c[14:16]))
			haveFmt = true
		case "data":
			dataSize = size
		}
		off = body + size + size%2
	}

	if !haveFmt || dataSize < 0 {
		return Info{}, fmt.Errorf("%w: missing fmt or data chunk", ErrCorrupt)
	}
	if info.Channels == 0 || info.SampleRate == 0 || byteRate == 0 {
		return Info{}, fmt.Errorf("%w: zero channels, sample rate or byte rate", ErrCorrupt)
	}
	info.Duration = time.Duration(float64(dataSize) / float64(byteRate) * float64(time.Second))
	return info, nil
}

var mp3SampleRates = [4][3]int{
	{11025, 12000, 8000},  // MPEG 2.5
	{},                    // reserved
	{22050, 24000, 16000}, // MPEG 2
	{44100, 48000, 32000}, // MPEG 1
}

// probeMP3 skips an optional ID3v2 tag and decodes the first frame header.
func probeMP3(data []byte) (Info, error) {
	off := 0
	if len(data) >= 10 && string(data[0:3]) == "ID3" {
		// Tag size is a 28-bit syncsafe integer.
		size := int(data[6]&0x7f)<<21 | int(data[7]&0x7f)<<14 | int(data[8]&0x7f)<<7 | int(data[9]&0x7f)
		off = 10 + size
		if data[5]&0x10 != 0 {
			off += 10 // footer
		}
	}
	if off+4 > len(data) {
		return Info{}, fmt.Errorf("%w: no MPEG frame after ID3 tag", ErrCorrupt)
	}
	h := data[off : off+4]
	if h[0] != 0xFF || h[1]&0xE0 != 0xE0 {
		return Info{}, fmt.Errorf("%w: missing MPEG frame sync", ErrCorrupt)
	}
	version := (h[1] >> 3) & 0x3
	layer := (h[1] >> 1) & 0x3
	srIndex := (h[2] >> 2) & 0x3
	if version == 1 || layer == 0 || srIndex == 3 {
		return Info{}, fmt.Errorf("%w: reserved MPEG header bits", ErrCorrupt)
	}
	channels := 2
	if (h[3]>>6)&0x3 == 3 {
		channels = 1
	}
	return Info{
		Format:     FormatMP3,
		SampleRate: mp3SampleRates[version][srIndex],
		Channels:   channels,
	}, nil
}

// probeFLAC reads the mandatory STREAMINFO block.
func probeFLAC(data []byte) (Info, error) {
	if len(data) < 42 || string(data[0:4]) != "fLaC" || data[4]&0x7f != 0 {
		return Info{}, fmt.Errorf("%w: missing fLaC STREAMINFO", ErrCorrupt)
	}
	si := data[8:]
	sampleRate := int(si[10])<<12 | int(si[11])<<4 | int(si[12])>>4
	channels := int((si[12]>>1)&0x7) + 1
	bps := int((si[12]&0x1)<<4|si[13]>>4) + 1
	total := uint64(si[13]&0x0f)<<32 | uint64(binary.BigEndian.Uint32(si[14:18]))
	if sampleRate == 0 {
		return Info{}, fmt.Errorf("%w: zero FLAC sample rate", ErrCorrupt)
	}
	info := Info{Format: FormatFLAC, SampleRate: sampleRate, Channels: channels, BitsPerSample: bps}
	if total > 0 {
		info.Duration = time.Duration(float64(total) / float64(sampleRate) * float64(time.Second))
	}
	return info, nil
}
