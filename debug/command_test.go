package debug

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/clktmr/n64loader/drivers/carts/cart"
	"github.com/clktmr/n64loader/unf"
	"github.com/pkg/errors"
)

func TestParseCommand(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "small.bin")
	if err := os.WriteFile(small, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := map[string]struct {
		line string
		t    unf.Datatype
		want string
	}{
		"plain":    {"hello world", unf.Text, "hello world"},
		"attached": {"load @" + small + "@ now", unf.Text, "load @3@abc now"},
		"twice":    {"@" + small + "@@" + small + "@x", unf.Text, "@3@abc@3@abcx"},
		"raw":      {"@" + small + "@", unf.RawBinary, "abc"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			dt, payload, err := ParseCommand(tc.line)
			if err != nil {
				t.Fatal(err)
			}
			if dt != tc.t || string(payload) != tc.want {
				t.Fatalf("expected %v %q, got %v %q", tc.t, tc.want, dt, payload)
			}
		})
	}
}

func TestParseCommandInvalid(t *testing.T) {
	dir := t.TempDir()
	big := filepath.Join(dir, "big.bin")
	if err := os.WriteFile(big, make([]byte, MaxCommandSize), 0o644); err != nil {
		t.Fatal(err)
	}
	tests := map[string]string{
		"odd":      "mail me @ home",
		"empty":    "@@",
		"missing":  "@" + filepath.Join(dir, "nope") + "@",
		"tooLarge": "x @" + big + "@",
		"three":    "@a@@b@@c@",
	}
	for name, line := range tests {
		t.Run(name, func(t *testing.T) {
			dev := &fakeDevice{}
			err := NewSession(dev, Options{}).Send(line)
			if !errors.Is(err, cart.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if len(dev.sent) != 0 {
				t.Fatal("invalid command sent")
			}
		})
	}
}
