package format

import "testing"

func Test_Format_AlignUp(t *testing.T) {
	cases := []struct {
		n, align, want uintptr
	}{
		{0, 16, 0},
		{1, 16, 16},
		{16, 16, 16},
		{17, 16, 32},
		{4095, PageSize, PageSize},
		{4097, PageSize, 2 * PageSize},
	}
	for _, c := range cases {
		if got := AlignUp(c.n, c.align); got != c.want {
			t.Fatalf("AlignUp(%d, %d) = %d, want %d", c.n, c.align, got, c.want)
		}
	}
}

func Test_Format_Quanta(t *testing.T) {
	if got := Quanta(0, SmallQuantumLog2); got != 1 {
		t.Fatalf("zero-byte request should take one quantum, got %d", got)
	}
	if got := Quanta(64, SmallQuantumLog2); got != 4 {
		t.Fatalf("64 bytes = %d small quanta, want 4", got)
	}
	if got := Quanta(1025, MediumQuantumLog2); got != 2 {
		t.Fatalf("1025 bytes = %d medium quanta, want 2", got)
	}
}

func Test_Format_Geometry(t *testing.T) {
	if SmallMaxSize != 1024 {
		t.Fatalf("small max size %d", SmallMaxSize)
	}
	if MediumMaxSize != 128*1024 {
		t.Fatalf("medium max size %d", MediumMaxSize)
	}
	if MaxQuanta != SubzoneSize/SmallQuantum {
		t.Fatalf("max quanta %d", MaxQuanta)
	}
	if 1<<WordSizeLog2 != WordSize {
		t.Fatalf("word size log2 %d does not match word size %d", WordSizeLog2, WordSize)
	}
	if Cards(SubzoneSize) != SubzoneCards {
		t.Fatalf("cards per subzone %d", Cards(SubzoneSize))
	}
}
