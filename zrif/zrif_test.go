package zrif

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

var testDict = bytes.Repeat([]byte("PCSE00000_00-0000000000000000\x00GXPL"), 8)

func buildLicense(size int, key []byte) []byte {
	raw := make([]byte, size)
	binary.BigEndian.PutUint16(raw[0:], 0xFFFF)
	binary.BigEndian.PutUint16(raw[4:], 1)
	binary.BigEndian.PutUint64(raw[8:], 0x0123456789abcdef)
	copy(raw[0x10:], "EP0000-PCSE00000_00-0000000000000000")
	copy(raw[0x50:], key)
	binary.BigEndian.PutUint64(raw[0x68:], 42)
	return raw
}

func TestDecode(t *testing.T) {
	key := bytes.Repeat([]byte{0xab}, KeySize)
	raw := buildLicense(0x200, key)

	s, err := Encode(raw, testDict)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	lic, err := NewDecoder(testDict).Decode(s)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if k := lic.LicenseKey(); !bytes.Equal(k[:], key) {
		t.Errorf("LicenseKey = %x, want %x", k, key)
	}
	if lic.Version != -1 {
		t.Errorf("Version = %d, want -1", lic.Version)
	}
	if lic.Type != 1 {
		t.Errorf("Type = %d, want 1", lic.Type)
	}
	if lic.AccountID != 0x0123456789abcdef {
		t.Errorf("AccountID = %x", lic.AccountID)
	}
	if lic.ContentID != "EP0000-PCSE00000_00-0000000000000000" {
		t.Errorf("ContentID = %q", lic.ContentID)
	}
	if lic.Expiration != 42 {
		t.Errorf("Expiration = %d, want 42", lic.Expiration)
	}
}

func TestDecode_Errors(t *testing.T) {
	good, err := Encode(buildLicense(0x200, make([]byte, KeySize)), testDict)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	short, err := Encode(buildLicense(0x40, make([]byte, KeySize)), testDict)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	long, err := Encode(make([]byte, MaxLicenseSize+1), testDict)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	tests := []struct {
		name string
		dict []byte
		in   string
		is   error
	}{
		{"no dictionary", nil, good, ErrNoDictionary},
		{"bad base64", testDict, "!!!not base64", nil},
		{"not zlib", testDict, "AAAAAAAA", nil},
		{"wrong dictionary", []byte("another dictionary"), good, nil},
		{"short record", testDict, short, ErrLicenseSize},
		{"long record", testDict, long, ErrLicenseSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(tt.dict).Decode(tt.in)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("expected %v, got %v", tt.is, err)
			}
		})
	}
}

func TestParseLicense_MinimalRecord(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, KeySize)
	lic, err := ParseLicense(buildLicense(MinLicenseSize, key))
	if err != nil {
		t.Fatalf("ParseLicense failed: %v", err)
	}
	if !bytes.Equal(lic.Key[:], key) {
		t.Errorf("Key = %x", lic.Key)
	}
}
