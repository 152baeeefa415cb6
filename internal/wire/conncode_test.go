package wire

import "testing"

func TestConnectionCodeS1(t *testing.T) {
	code, err := EncodeConnectionCode("192.168.1.42", 54321)
	if err != nil {
		t.Fatal(err)
	}
	ip, port, err := DecodeConnectionCode(code)
	if err != nil {
		t.Fatal(err)
	}
	if ip != "192.168.1.42" || port != 54321 {
		t.Fatalf("roundtrip mismatch: got (%s, %d)", ip, port)
	}

	ip, port, err = DecodeConnectionCode("00000000")
	if err != nil {
		t.Fatal(err)
	}
	if ip != "0.0.0.0" || port != 0 {
		t.Fatalf("expected (0.0.0.0, 0), got (%s, %d)", ip, port)
	}
}

func TestConnectionCodeBijection(t *testing.T) {
	cases := []struct {
		ip   string
		port uint16
	}{
		{"0.0.0.0", 0},
		{"255.255.255.255", 65535},
		{"10.0.0.1", 1},
		{"127.0.0.1", 54321},
	}
	for _, c := range cases {
		code, err := EncodeConnectionCode(c.ip, c.port)
		if err != nil {
			t.Fatal(err)
		}
		if len(code) != 8 {
			t.Fatalf("expected 8-symbol code, got %q", code)
		}
		ip, port, err := DecodeConnectionCode(code)
		if err != nil {
			t.Fatal(err)
		}
		if ip != c.ip || port != c.port {
			t.Fatalf("roundtrip mismatch for %v: got (%s, %d)", c, ip, port)
		}
		reencoded, err := EncodeConnectionCode(ip, port)
		if err != nil {
			t.Fatal(err)
		}
		if reencoded != code {
			t.Fatalf("encode(decode(code)) != code: %q vs %q", reencoded, code)
		}
	}
}

func TestConnectionCodeLocalhostToken(t *testing.T) {
	code, err := EncodeConnectionCode("localhost", 8080)
	if err != nil {
		t.Fatal(err)
	}
	ip, port, err := DecodeConnectionCode(code)
	if err != nil {
		t.Fatal(err)
	}
	if ip != "127.0.0.1" || port != 8080 {
		t.Fatalf("got (%s, %d)", ip, port)
	}
}

func TestConnectionCodeInvalid(t *testing.T) {
	if _, _, err := DecodeConnectionCode("short"); err != ErrInvalidCode {
		t.Fatalf("expected ErrInvalidCode for short string, got %v", err)
	}
	if _, _, err := DecodeConnectionCode("########"); err != ErrInvalidCode {
		t.Fatalf("expected ErrInvalidCode for out-of-alphabet string, got %v", err)
	}
}
