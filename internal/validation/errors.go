package validation

// ShareError classifies why a share was rejected. Every invalid share
// carries exactly one; valid shares carry none.
type ShareError int

const (
	errNone ShareError = iota

	DuplicateShare
	IncorrectExtraNonce2Size
	IncorrectNTimeSize
	IncorrectNonceSize
	JobNotFound
	LowDifficultyShare
	NTimeOutOfRange
)

func (e ShareError) String() string {
	switch e {
	case DuplicateShare:
		return "duplicate share"
	case IncorrectExtraNonce2Size:
		return "incorrect size of extranonce2"
	case IncorrectNTimeSize:
		return "incorrect size of ntime"
	case IncorrectNonceSize:
		return "incorrect size of nonce"
	case JobNotFound:
		return "job not found"
	case LowDifficultyShare:
		return "low difficulty share"
	case NTimeOutOfRange:
		return "ntime out of range"
	default:
		return "unknown share error"
	}
}

func (e ShareError) known() bool {
	return e > errNone && e <= NTimeOutOfRange
}
