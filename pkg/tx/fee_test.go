package tx

import "testing"

func TestCalculateFee(t *testing.T) {
	const feePerKB = 100

	tests := []struct {
		name string
		size int
		want uint64
	}{
		{"zero size", 0, 0},
		{"exactly 1KB", 1024, 100},
		{"1KB + 1 byte", 1025, 200},
		{"exactly 2KB", 2048, 200},
		{"2KB + 1 byte", 2049, 300},
		{"under 1KB", 512, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateFee(tt.size, feePerKB)
			if got != tt.want {
				t.Errorf("CalculateFee(%d, %d) = %d, want %d", tt.size, feePerKB, got, tt.want)
			}
		})
	}
}

func TestRequiredFee_MatchesSigningBytesLength(t *testing.T) {
	_, sender := senderKey(t)
	transaction := NewBuilder(sender, 1, 0).Burn(10).Build()
	want := CalculateFee(len(transaction.SigningBytes()), 50)
	if got := RequiredFee(transaction, 50); got != want {
		t.Errorf("RequiredFee = %d, want %d", got, want)
	}
}
