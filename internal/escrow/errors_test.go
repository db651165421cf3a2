package escrow

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"

	"github.com/dante4rt/tuition-escrow-dapp/internal/contracts"
)

type jsonRPCError struct {
	msg  string
	data interface{}
}

func (e jsonRPCError) Error() string          { return e.msg }
func (e jsonRPCError) ErrorData() interface{} { return e.data }

func TestShortMessage(t *testing.T) {
	t.Parallel()

	owner := contracts.EscrowABI.Errors["OwnableUnauthorizedAccount"]
	packed, err := owner.Inputs.Pack(payerAddr)
	assert.NoError(t, err)
	data := append(append([]byte{}, owner.ID[:4]...), packed...)

	long := strings.Repeat("x", 150)

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"revert error", fmt.Errorf("release: %w", NewRevertError(data)), "OwnableUnauthorizedAccount(" + payerAddr.Hex() + ")"},
		{"json rpc hex data", fmt.Errorf("releasePayment tx: %w", jsonRPCError{"execution reverted", hexutil.Encode(data)}), "OwnableUnauthorizedAccount(" + payerAddr.Hex() + ")"},
		{"undecodable data", jsonRPCError{"execution reverted", "0xdeadbeef"}, "execution reverted"},
		{"plain", errors.New("user rejected the request"), "user rejected the request"},
		{"long", errors.New(long), long[:100]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ShortMessage(tt.err))
		})
	}
}
