// Package contracts holds the interface of the deployed escrow and token
// contracts: their ABIs, the names the client consumes, and typed views of
// the values they return and emit.
package contracts

import (
	"bytes"
	_ "embed"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

//go:embed abi/TuitionEscrow.json
var TuitionEscrowABI []byte

//go:embed abi/StableToken.json
var StableTokenABI []byte

// Parsed ABIs, loaded once.
var (
	EscrowABI abi.ABI
	TokenABI  abi.ABI
)

// Escrow functions and events consumed by the client.
const (
	MethodDepositTuition    = "depositTuition"
	MethodGetPaymentDetails = "getPaymentDetails"
	MethodReleasePayment    = "releasePayment"
	MethodRefundPayment     = "refundPayment"
	MethodOwner             = "owner"

	EventPaymentDeposited     = "PaymentDeposited"
	EventPaymentReleased      = "PaymentReleased"
	EventPaymentRefunded      = "PaymentRefunded"
	EventOwnershipTransferred = "OwnershipTransferred"
)

// Token functions consumed by the client.
const (
	MethodDecimals  = "decimals"
	MethodBalanceOf = "balanceOf"
	MethodApprove   = "approve"
	MethodAllowance = "allowance"
)

func init() {
	var err error
	if EscrowABI, err = abi.JSON(bytes.NewReader(TuitionEscrowABI)); err != nil {
		panic(fmt.Sprintf("parse escrow abi: %v", err))
	}
	if TokenABI, err = abi.JSON(bytes.NewReader(StableTokenABI)); err != nil {
		panic(fmt.Sprintf("parse token abi: %v", err))
	}
}

// PaymentStatus mirrors TuitionEscrow.PaymentStatus.
type PaymentStatus uint8

const (
	StatusPending PaymentStatus = iota
	StatusReleased
	StatusRefunded
)

func (s PaymentStatus) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusReleased:
		return "Released"
	case StatusRefunded:
		return "Refunded"
	default:
		return "Unknown"
	}
}

// Final reports whether the status is terminal.
func (s PaymentStatus) Final() bool {
	return s == StatusReleased || s == StatusRefunded
}

// PaymentRecord is the tuple returned by getPaymentDetails.
type PaymentRecord struct {
	Payer            common.Address
	University       common.Address
	Amount           *big.Int
	InvoiceRef       string
	Status           uint8
	DepositTimestamp *big.Int
}

// Exists reports whether the record refers to a stored payment. The contract
// returns a zeroed struct for unknown ids, and lagging nodes may do the same
// for ids they have not seen yet.
func (r PaymentRecord) Exists() bool {
	return r.Payer != (common.Address{})
}
