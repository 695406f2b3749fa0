package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func makePCM(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestEncodeDecodeWAV(t *testing.T) {
	in := Clip{PCM: makePCM(100, -200, 300, -400), SampleRate: 22050, Channels: 1}
	wav := EncodeWAV(in)

	out, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if out.SampleRate != 22050 {
		t.Errorf("SampleRate = %d, want 22050", out.SampleRate)
	}
	if out.Channels != 1 {
		t.Errorf("Channels = %d, want 1", out.Channels)
	}
	if !bytes.Equal(out.PCM, in.PCM) {
		t.Errorf("PCM roundtrip mismatch: got %v, want %v", out.PCM, in.PCM)
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte("RIFF")},
		{"not riff", append([]byte("JUNK????WAVE"), make([]byte, 40)...)},
		{"no data chunk", EncodeWAV(Clip{SampleRate: 8000, Channels: 1})[:40]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeWAV(tc.data); err == nil {
				t.Error("DecodeWAV() error = nil, want error")
			}
		})
	}
}

func TestDecodeWAVSkipsExtraChunks(t *testing.T) {
	base := EncodeWAV(Clip{PCM: makePCM(1, 2, 3), SampleRate: 16000, Channels: 1})

	// Splice a LIST chunk between fmt and data.
	list := make([]byte, 8+4)
	copy(list, "LIST")
	binary.LittleEndian.PutUint32(list[4:], 4)
	withList := append([]byte{}, base[:36]...)
	withList = append(withList, list...)
	withList = append(withList, base[36:]...)
	binary.LittleEndian.PutUint32(withList[4:8], uint32(len(withList)-8))

	out, err := DecodeWAV(withList)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if got := out.Samples(); got != 3 {
		t.Errorf("Samples() = %d, want 3", got)
	}
}

func TestClipDuration(t *testing.T) {
	c := Clip{PCM: make([]byte, 48000*2), SampleRate: 48000, Channels: 1}
	if got := c.Duration(); got != time.Second {
		t.Errorf("Duration() = %v, want 1s", got)
	}
}

func TestStereoToMonoAverages(t *testing.T) {
	stereo := makePCM(100, 300, -1000, 1000)
	mono := StereoToMono(stereo)
	want := makePCM(200, 0)
	if !bytes.Equal(mono, want) {
		t.Errorf("StereoToMono() = %v, want %v", mono, want)
	}
}

func TestMonoToStereoDuplicates(t *testing.T) {
	mono := makePCM(42, -42)
	stereo := MonoToStereo(mono)
	want := makePCM(42, 42, -42, -42)
	if !bytes.Equal(stereo, want) {
		t.Errorf("MonoToStereo() = %v, want %v", stereo, want)
	}
}

func TestResampleMono16(t *testing.T) {
	in := make([]byte, 16000*2) // 1s at 16 kHz
	out := ResampleMono16(in, 16000, 48000)
	if got := len(out) / 2; got != 48000 {
		t.Errorf("resampled to %d samples, want 48000", got)
	}
	if same := ResampleMono16(in, 16000, 16000); len(same) != len(in) {
		t.Error("same-rate resample should be a no-op")
	}
}

func TestResampleInterpolates(t *testing.T) {
	// Doubling the rate of [0, 100] should put ~50 between them.
	out := ResampleMono16(makePCM(0, 100), 8000, 16000)
	if got := len(out) / 2; got != 4 {
		t.Fatalf("got %d samples, want 4", got)
	}
	mid := int16(binary.LittleEndian.Uint16(out[2:]))
	if mid != 50 {
		t.Errorf("interpolated sample = %d, want 50", mid)
	}
}

func TestConcatInsertsGaps(t *testing.T) {
	a := Clip{PCM: makePCM(1, 1), SampleRate: 48000, Channels: 1}
	b := Clip{PCM: makePCM(2, 2), SampleRate: 48000, Channels: 1}

	out, err := Concat([]Clip{a, b}, 48000, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Concat() error = %v", err)
	}
	gapSamples := 4800
	wantSamples := 2 + gapSamples + 2
	if got := out.Samples(); got != wantSamples {
		t.Errorf("Samples() = %d, want %d", got, wantSamples)
	}
	// The gap region must be silent.
	gap := out.PCM[4 : 4+gapSamples*2]
	for _, by := range gap {
		if by != 0 {
			t.Fatal("gap region contains non-zero samples")
		}
	}
}

func TestConcatNormalizesInputs(t *testing.T) {
	stereo := Clip{PCM: makePCM(10, 10, 20, 20), SampleRate: 24000, Channels: 2}
	out, err := Concat([]Clip{stereo}, 48000, 0)
	if err != nil {
		t.Fatalf("Concat() error = %v", err)
	}
	if out.Channels != 1 || out.SampleRate != 48000 {
		t.Errorf("got %d ch at %d Hz, want mono at 48000", out.Channels, out.SampleRate)
	}
	if got := out.Samples(); got != 4 {
		t.Errorf("Samples() = %d, want 4", got)
	}
}

func TestToMonoRejectsWeirdChannelCounts(t *testing.T) {
	if _, err := ToMono(Clip{Channels: 6, SampleRate: 48000}, 48000); err == nil {
		t.Error("ToMono() error = nil, want error for 6 channels")
	}
}
