package protocol

import (
	"errors"
	"testing"
)

func TestDecodeClientIndication(t *testing.T) {
	buf := []byte{
		0x00, 0x00, 0x00, 0x05, 0x6f, 0x72, 0x69, 0x67, 0x69, 0x6e,
		0x00, 0x01, 0x00, 0x04, 0x70, 0x61, 0x74, 0x68,
	}

	ci, err := DecodeClientIndication(buf)
	if err != nil {
		t.Fatalf("DecodeClientIndication: %v", err)
	}
	if ci.Origin != "origin" {
		t.Errorf("Origin = %q, want %q", ci.Origin, "origin")
	}
	if ci.Path != "path" {
		t.Errorf("Path = %q, want %q", ci.Path, "path")
	}
}

func TestClientIndication_EncodeDecode(t *testing.T) {
	tests := []ClientIndication{
		{Origin: "https://example.org", Path: "/relay?x=1"},
		{Origin: "", Path: ""},
		{Origin: "https://ünïcode.example", Path: "/ω"},
	}

	for _, want := range tests {
		got, err := DecodeClientIndication(want.Encode())
		if err != nil {
			t.Fatalf("decode %+v: %v", want, err)
		}
		if *got != want {
			t.Errorf("got %+v, want %+v", *got, want)
		}
	}
}

func TestDecodeClientIndication_Errors(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"one byte", []byte{0x00}},
		{"origin header only", []byte{0x00, 0x00, 0x00}},
		{"wrong first key", []byte{0x00, 0x01, 0x00, 0x00}},
		{
			"second key is origin again",
			[]byte{0x00, 0x00, 0x00, 0x01, 'o', 0x00, 0x00, 0x00, 0x01, 'p'},
		},
		{
			"origin length exceeds buffer",
			[]byte{0x00, 0x00, 0x00, 0x09, 'o', 'r', 'i'},
		},
		{
			"path length exceeds buffer",
			[]byte{0x00, 0x00, 0x00, 0x01, 'o', 0x00, 0x01, 0x00, 0x05, 'p'},
		},
		{
			"missing path field",
			[]byte{0x00, 0x00, 0x00, 0x01, 'o'},
		},
		{
			"origin not utf-8",
			[]byte{0x00, 0x00, 0x00, 0x02, 0xff, 0xfe, 0x00, 0x01, 0x00, 0x00},
		},
		{
			"path not utf-8",
			[]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0xc3},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ci, err := DecodeClientIndication(tc.buf)
			if err == nil {
				t.Fatalf("expected error, got %+v", ci)
			}
			if !errors.Is(err, ErrInvalidIndication) {
				t.Errorf("error %v does not wrap ErrInvalidIndication", err)
			}
		})
	}
}

func TestDecodeClientIndication_TrailingBytes(t *testing.T) {
	buf := (&ClientIndication{Origin: "o", Path: "p"}).Encode()
	buf = append(buf, 0xde, 0xad)

	ci, err := DecodeClientIndication(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ci.Path != "p" {
		t.Errorf("Path = %q, want p", ci.Path)
	}
}
