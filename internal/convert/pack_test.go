package convert

import (
	"image"
	"testing"

	"epdframe/internal/epbm"
)

func TestPack4bpp_NibbleOrder(t *testing.T) {
	img := image.NewPaletted(image.Rect(0, 0, 4, 2), epbm.Palette)
	row0 := []epbm.Color{epbm.Black, epbm.White, epbm.Red, epbm.Yellow}
	row1 := []epbm.Color{epbm.Blue, epbm.Green, epbm.White, epbm.Black}
	for x := 0; x < 4; x++ {
		img.SetColorIndex(x, 0, uint8(row0[x]))
		img.SetColorIndex(x, 1, uint8(row1[x]))
	}

	got, err := Pack4bpp(img)
	if err != nil {
		t.Fatalf("Pack4bpp err=%v", err)
	}
	want := []byte{0x01, 0x32, 0x56, 0x10}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#02x, want %#02x", i, got[i], want[i])
		}
	}
}

func TestPack4bpp_OddWidthPadsWhite(t *testing.T) {
	img := image.NewPaletted(image.Rect(0, 0, 3, 1), epbm.Palette)
	// all zero index: black
	got, err := Pack4bpp(img)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != 0x00 || got[1] != 0x01 {
		t.Fatalf("got % x", got)
	}
}

func TestPack4bpp_FullPanelSize(t *testing.T) {
	img := image.NewPaletted(image.Rect(0, 0, epbm.DefaultWidth, epbm.DefaultHeight), epbm.Palette)
	got, err := Pack4bpp(img)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 192000 {
		t.Fatalf("len = %d, want 192000", len(got))
	}
}

func TestPanelCode_UnknownIsWhite(t *testing.T) {
	if PanelCode(epbm.Color(17)) != PanelCode(epbm.White) {
		t.Fatal("unknown index not mapped to white")
	}
	seen := map[byte]bool{}
	for c := epbm.Color(0); c < epbm.NumColors; c++ {
		code := PanelCode(c)
		if seen[code] {
			t.Fatalf("duplicate code %#x", code)
		}
		seen[code] = true
	}
}
