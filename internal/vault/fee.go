package vault

// FeeFor computes the protocol fee for a settlement amount at the given
// basis-point rate. Integer division truncates toward zero, so the fee sink
// never receives more than its exact entitlement. The split form avoids
// overflow on amount*bps for large amounts and is exactly equal to
// floor(amount*bps/10000).
func FeeFor(amount int64, feeBps uint16) int64 {
	bps := int64(feeBps)
	return (amount/MaxFeeBps)*bps + (amount%MaxFeeBps)*bps/MaxFeeBps
}
