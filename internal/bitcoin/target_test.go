package bitcoin

import (
	"bytes"
	"errors"
	"math"
	"math/big"
	"testing"
)

func TestDiff1Target(t *testing.T) {
	want := [32]byte{
		0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}

	if got := TargetBytes(Diff1Target()); got != want {
		t.Errorf("Diff1Target() = %x, want %x", got, want)
	}

	target, err := TargetFromDifficulty(1)
	if err != nil {
		t.Fatalf("TargetFromDifficulty(1) error = %v", err)
	}
	if got := TargetBytes(target); got != want {
		t.Errorf("TargetFromDifficulty(1) = %x, want %x", got, want)
	}

	// Callers must not be able to corrupt the shared constant.
	Diff1Target().SetInt64(1)
	if got := TargetBytes(Diff1Target()); got != want {
		t.Error("Diff1Target() returned the shared value instead of a copy")
	}
}

func TestTargetFromDifficulty(t *testing.T) {
	tests := []struct {
		name       string
		difficulty float64
		want       *big.Int
	}{
		{
			name:       "difficulty 2 halves the target",
			difficulty: 2,
			want:       new(big.Int).Lsh(big.NewInt(0xffff), 207),
		},
		{
			name:       "difficulty 65536",
			difficulty: 65536,
			want:       new(big.Int).Lsh(big.NewInt(0xffff), 192),
		},
		{
			name:       "difficulty 0.5 doubles the target",
			difficulty: 0.5,
			want:       new(big.Int).Lsh(big.NewInt(0xffff), 209),
		},
		{
			name:       "non exact quotient rounds up",
			difficulty: 3,
			want: func() *big.Int {
				q, r := new(big.Int).QuoRem(Diff1Target(), big.NewInt(3), new(big.Int))
				if r.Sign() != 0 {
					q.Add(q, big.NewInt(1))
				}
				return q
			}(),
		},
		{
			name:       "tiny difficulty clamps to max",
			difficulty: 1e-40,
			want:       new(big.Int).Set(maxTarget),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TargetFromDifficulty(tt.difficulty)
			if err != nil {
				t.Fatalf("TargetFromDifficulty() error = %v", err)
			}
			if got.Cmp(tt.want) != 0 {
				t.Errorf("TargetFromDifficulty(%v) = %x, want %x", tt.difficulty, got, tt.want)
			}
		})
	}
}

func TestTargetFromDifficulty_Invalid(t *testing.T) {
	for _, d := range []float64{0, -1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := TargetFromDifficulty(d); !errors.Is(err, ErrInvalidDifficulty) {
			t.Errorf("TargetFromDifficulty(%v) error = %v, want ErrInvalidDifficulty", d, err)
		}
	}
}

func TestDifficultyFromTarget_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		target *big.Int
	}{
		{"nil", nil},
		{"zero", big.NewInt(0)},
		{"negative", big.NewInt(-5)},
		{"wider than 256 bits", new(big.Int).Lsh(big.NewInt(1), 256)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DifficultyFromTarget(tt.target); !errors.Is(err, ErrInvalidTarget) {
				t.Errorf("DifficultyFromTarget() error = %v, want ErrInvalidTarget", err)
			}
		})
	}
}

func TestDifficultyRoundTrip(t *testing.T) {
	difficulties := []float64{0.001, 0.5, 1, 3, 7.25, 1024, 65536, 1e6, 123456789.123, 5.5e12}

	for _, d := range difficulties {
		target, err := TargetFromDifficulty(d)
		if err != nil {
			t.Fatalf("TargetFromDifficulty(%v) error = %v", d, err)
		}

		got, err := DifficultyFromTarget(target)
		if err != nil {
			t.Fatalf("DifficultyFromTarget() error = %v", err)
		}

		if rel := math.Abs(got-d) / d; rel > 1e-9 {
			t.Errorf("round trip of %v gave %v (relative error %g)", d, got, rel)
		}
	}
}

func TestTargetRoundTrip(t *testing.T) {
	targets := []*big.Int{
		Diff1Target(),
		new(big.Int).Lsh(big.NewInt(0xffff), 180),
		new(big.Int).Lsh(big.NewInt(0x7fffff), 200),
		new(big.Int).Lsh(big.NewInt(1), 220),
	}

	for _, target := range targets {
		d, err := DifficultyFromTarget(target)
		if err != nil {
			t.Fatalf("DifficultyFromTarget(%x) error = %v", target, err)
		}

		got, err := TargetFromDifficulty(d)
		if err != nil {
			t.Fatalf("TargetFromDifficulty(%v) error = %v", d, err)
		}

		// float64 carries 53 bits, so allow a relative error of 2^-50
		diff := new(big.Int).Abs(new(big.Int).Sub(got, target))
		limit := new(big.Int).Rsh(target, 50)
		if diff.Cmp(limit) > 0 {
			t.Errorf("target round trip %x -> %x, off by %x", target, got, diff)
		}
	}
}

func TestTargetBytes(t *testing.T) {
	b := TargetBytes(big.NewInt(0x0102))
	if b[30] != 0x01 || b[31] != 0x02 {
		t.Errorf("TargetBytes() = %x, want big-endian right aligned", b)
	}
	if TargetFromBytes(b).Int64() != 0x0102 {
		t.Errorf("TargetFromBytes() = %v", TargetFromBytes(b))
	}

	clamped := TargetBytes(new(big.Int).Lsh(big.NewInt(1), 300))
	if !bytes.Equal(clamped[:], bytes.Repeat([]byte{0xff}, 32)) {
		t.Errorf("oversized target not clamped: %x", clamped)
	}

	if zero := TargetBytes(nil); zero != [32]byte{} {
		t.Errorf("TargetBytes(nil) = %x", zero)
	}
}

func TestCompactToTarget(t *testing.T) {
	if got := CompactToTarget(0x1d00ffff); got.Cmp(Diff1Target()) != 0 {
		t.Errorf("CompactToTarget(0x1d00ffff) = %x, want diff1", got)
	}

	if got := NetworkDifficulty(0x1d00ffff); got != 1 {
		t.Errorf("NetworkDifficulty(0x1d00ffff) = %v, want 1", got)
	}

	if got := NetworkDifficulty(0x1c00ffff); got != 256 {
		t.Errorf("NetworkDifficulty(0x1c00ffff) = %v, want 256", got)
	}

	if got := NetworkDifficulty(0); got != 0 {
		t.Errorf("NetworkDifficulty(0) = %v, want 0", got)
	}
}
