package audiodsp

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	orig := AudioData{
		SampleRate: 22050,
		Channels:   1,
		Samples:    []float32{0, 0.5, -0.5, 0.25, -1, 1},
	}
	wav := EncodeWAV(orig)
	got, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if got.SampleRate != orig.SampleRate || got.Channels != orig.Channels {
		t.Fatalf("format mismatch: got %+v", got)
	}
	if len(got.Samples) != len(orig.Samples) {
		t.Fatalf("sample count = %d, want %d", len(got.Samples), len(orig.Samples))
	}
	for i := range orig.Samples {
		diff := got.Samples[i] - orig.Samples[i]
		if diff < 0 {
			diff = -diff
		}
		if diff > 0.001 {
			t.Errorf("sample %d: got %f, want %f", i, got.Samples[i], orig.Samples[i])
		}
	}
}

func TestDecodeWAV_RejectsNonRIFF(t *testing.T) {
	_, err := DecodeWAV([]byte("not a wav file at all"))
	if err == nil {
		t.Fatal("expected error for non-RIFF input")
	}
}

func TestDecodeWAV_SkipsExtraChunks(t *testing.T) {
	a := AudioData{SampleRate: 16000, Channels: 1, Samples: []float32{0.1, 0.2, 0.3}}
	wav := EncodeWAV(a)

	// Splice a LIST chunk between fmt and data to ensure the header walker
	// doesn't assume a fixed 44-byte offset.
	extra := []byte("LIST\x04\x00\x00\x00INFO")
	spliced := append(append(append([]byte{}, wav[:36]...), extra...), wav[36:]...)
	// Fix up the RIFF size field for the inserted bytes.
	newRiffSize := uint32(len(spliced) - 8)
	spliced[4] = byte(newRiffSize)
	spliced[5] = byte(newRiffSize >> 8)
	spliced[6] = byte(newRiffSize >> 16)
	spliced[7] = byte(newRiffSize >> 24)

	got, err := DecodeWAV(spliced)
	if err != nil {
		t.Fatalf("DecodeWAV with extra chunk: %v", err)
	}
	if len(got.Samples) != 3 {
		t.Errorf("sample count = %d, want 3", len(got.Samples))
	}
}

func TestDuration(t *testing.T) {
	a := AudioData{SampleRate: 1000, Channels: 2, Samples: make([]float32, 2000)}
	if d := a.Duration(); d != 1.0 {
		t.Errorf("Duration() = %v, want 1.0", d)
	}
}
