package escrow

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/dante4rt/tuition-escrow-dapp/internal/contracts"
)

var (
	ErrEscrowNotConfigured = errors.New("escrow contract address is not configured")
	ErrTokenNotConfigured  = errors.New("token contract address is not configured")
	ErrReverted            = errors.New("transaction reverted")
	ErrReceiptTimeout      = errors.New("timed out waiting for receipt")
	ErrNoTransactOpts      = errors.New("transact opts are required")
)

const maxMessageLen = 100

// RevertError is an execution revert carrying the raw revert data. It
// satisfies rpc.DataError the same way node errors do.
type RevertError struct {
	Reason string
	Data   []byte
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

func (e *RevertError) ErrorCode() int { return 3 }

func (e *RevertError) ErrorData() interface{} { return hexutil.Encode(e.Data) }

// NewRevertError builds a RevertError from revert data, decoding the reason
// where the data matches a known error.
func NewRevertError(data []byte) *RevertError {
	reason, _ := contracts.DecodeRevert(data)
	return &RevertError{Reason: reason, Data: data}
}

// ShortMessage reduces err to a line fit for a notification: the decoded
// revert reason when the error carries revert data, otherwise the error text
// cut to 100 characters.
func ShortMessage(err error) string {
	if err == nil {
		return ""
	}
	var revert *RevertError
	if errors.As(err, &revert) && revert.Reason != "" {
		return revert.Reason
	}
	if data, ok := revertData(err); ok {
		if reason, ok := contracts.DecodeRevert(data); ok {
			return reason
		}
	}
	return truncate(err.Error(), maxMessageLen)
}

// revertData walks the error chain for JSON-RPC error data.
func revertData(err error) ([]byte, bool) {
	type dataErr interface{ ErrorData() interface{} }

	for e := err; e != nil; e = errors.Unwrap(e) {
		var de dataErr
		if !errors.As(e, &de) {
			continue
		}
		switch v := de.ErrorData().(type) {
		case []byte:
			return v, len(v) > 0
		case string:
			if b, err := hexutil.Decode(strings.TrimSpace(v)); err == nil && len(b) > 0 {
				return b, true
			}
		}
	}
	return nil, false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
