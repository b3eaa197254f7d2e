package wireproto

import (
	"bytes"
	"testing"
)

func TestIndicatorRoundTrip(t *testing.T) {
	for _, ind := range []Indicator{IndicatorMeta, IndicatorData, IndicatorDownload, IndicatorKeyRecipe, IndicatorGetKeyRecipe, IndicatorFileRecipe} {
		var buf bytes.Buffer
		if err := WriteIndicator(&buf, ind); err != nil {
			t.Fatal(err)
		}
		got, err := ReadIndicator(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if got != ind {
			t.Fatalf("expected %v, got %v", ind, got)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello metadata batch")
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestEmptyFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, nil); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty frame, got %v", got)
	}
}

func TestStatusListRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	status := StatusList{true, false, true, true, false}
	if err := WriteStatusList(&buf, status); err != nil {
		t.Fatal(err)
	}
	ind, err := ReadIndicator(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if ind != IndicatorStat {
		t.Fatalf("expected IndicatorStat, got %v", ind)
	}
	got, err := ReadStatusList(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(status) {
		t.Fatalf("expected %d entries, got %d", len(status), len(got))
	}
	for i := range status {
		if got[i] != status[i] {
			t.Fatalf("entry %d: expected %v, got %v", i, status[i], got[i])
		}
	}
}

func TestRestoreHeadUsesNetworkByteOrder(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRestoreHead(&buf, RestoreHead{SentDataSize: 1024}); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	// Network (big-endian) order: indicator -5 as int32 has its most
	// significant byte first, i.e. 0xFF as the leading byte.
	if raw[0] != 0xFF {
		t.Fatalf("expected big-endian leading byte 0xFF, got %#x", raw[0])
	}
	got, err := ReadRestoreHead(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if got.SentDataSize != 1024 {
		t.Fatalf("expected 1024, got %d", got.SentDataSize)
	}
}

func TestReadRestoreHeadRejectsWrongIndicator(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteIndicator(&buf, IndicatorMeta)
	buf.Write(make([]byte, 8))
	if _, err := ReadRestoreHead(&buf); err == nil {
		t.Fatal("expected error for mismatched indicator")
	}
}
