package tx

// CalculateFee returns the minimum required fee for a transaction of the
// given signing-byte size: ceil(size/1024) * feePerKB.
func CalculateFee(size int, feePerKB uint64) uint64 {
	sizeInKB := uint64(size) / 1024
	if size%1024 != 0 {
		sizeInKB++
	}
	return sizeInKB * feePerKB
}

// RequiredFee returns the exact minimum fee for a fully built transaction
// at the given per-KB fee rate.
func RequiredFee(transaction *Transaction, feePerKB uint64) uint64 {
	return CalculateFee(len(transaction.SigningBytes()), feePerKB)
}
