package contracts

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// DecodeRevert turns revert data into a short human readable reason. Custom
// errors declared by either contract are rendered as Name(arg, ...); the
// standard Error(string) and Panic(uint256) forms are delegated to
// abi.UnpackRevert. ok is false when the data matches nothing known.
func DecodeRevert(data []byte) (reason string, ok bool) {
	if len(data) < 4 {
		return "", false
	}
	if msg, err := abi.UnpackRevert(data); err == nil {
		return msg, true
	}
	for _, parsed := range []abi.ABI{EscrowABI, TokenABI} {
		for _, e := range parsed.Errors {
			if !bytes.Equal(data[:4], e.ID[:4]) {
				continue
			}
			values, err := e.Inputs.Unpack(data[4:])
			if err != nil {
				return e.Name, true
			}
			return formatCustomError(e.Name, values), true
		}
	}
	return "", false
}

func formatCustomError(name string, values []any) string {
	args := make([]string, len(values))
	for i, v := range values {
		args[i] = fmt.Sprint(v)
	}
	return name + "(" + strings.Join(args, ", ") + ")"
}
