package contracts

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrNoEventSignature       = errors.New("log has no event signature")
	ErrEventSignatureMismatch = errors.New("log signature does not match event")
)

// PaymentDeposited is emitted by depositTuition.
type PaymentDeposited struct {
	PaymentId  [32]byte
	Payer      common.Address
	University common.Address
	Amount     *big.Int
	InvoiceRef string
	Nonce      *big.Int
	Timestamp  *big.Int
	Raw        types.Log
}

// PaymentResolved is the shape shared by PaymentReleased and PaymentRefunded.
type PaymentResolved struct {
	PaymentId [32]byte
	Admin     common.Address
	Timestamp *big.Int
	Raw       types.Log
}

// OwnershipTransferred is emitted by the Ownable base of the escrow.
type OwnershipTransferred struct {
	PreviousOwner common.Address
	NewOwner      common.Address
	Raw           types.Log
}

// EventID returns the topic0 of an escrow event.
func EventID(name string) common.Hash {
	return EscrowABI.Events[name].ID
}

// DecodeDeposited decodes a PaymentDeposited log.
func DecodeDeposited(log types.Log) (PaymentDeposited, error) {
	var ev PaymentDeposited
	if err := unpackLog(&ev, EventPaymentDeposited, log); err != nil {
		return PaymentDeposited{}, err
	}
	ev.Raw = log
	return ev, nil
}

// DecodeResolved decodes a PaymentReleased or PaymentRefunded log.
func DecodeResolved(name string, log types.Log) (PaymentResolved, error) {
	if name != EventPaymentReleased && name != EventPaymentRefunded {
		return PaymentResolved{}, fmt.Errorf("%s is not a resolution event", name)
	}
	var ev PaymentResolved
	if err := unpackLog(&ev, name, log); err != nil {
		return PaymentResolved{}, err
	}
	ev.Raw = log
	return ev, nil
}

// DecodeOwnershipTransferred decodes an OwnershipTransferred log.
func DecodeOwnershipTransferred(log types.Log) (OwnershipTransferred, error) {
	var ev OwnershipTransferred
	if err := unpackLog(&ev, EventOwnershipTransferred, log); err != nil {
		return OwnershipTransferred{}, err
	}
	ev.Raw = log
	return ev, nil
}

func unpackLog(out any, name string, log types.Log) error {
	event, ok := EscrowABI.Events[name]
	if !ok {
		return fmt.Errorf("unknown event %s", name)
	}
	if len(log.Topics) == 0 {
		return ErrNoEventSignature
	}
	if log.Topics[0] != event.ID {
		return ErrEventSignatureMismatch
	}
	if len(log.Data) > 0 {
		if err := EscrowABI.UnpackIntoInterface(out, name, log.Data); err != nil {
			return fmt.Errorf("unpack %s data: %w", name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopics(out, indexed, log.Topics[1:]); err != nil {
		return fmt.Errorf("parse %s topics: %w", name, err)
	}
	return nil
}

// EncodeDeposited builds the log the escrow emits for a deposit. Block
// metadata on the returned log is left to the caller.
func EncodeDeposited(ev PaymentDeposited) (types.Log, error) {
	event := EscrowABI.Events[EventPaymentDeposited]
	data, err := event.Inputs.NonIndexed().Pack(ev.Amount, ev.InvoiceRef, ev.Nonce, ev.Timestamp)
	if err != nil {
		return types.Log{}, fmt.Errorf("pack %s: %w", EventPaymentDeposited, err)
	}
	return types.Log{
		Topics: []common.Hash{
			event.ID,
			common.Hash(ev.PaymentId),
			common.BytesToHash(ev.Payer.Bytes()),
			common.BytesToHash(ev.University.Bytes()),
		},
		Data: data,
	}, nil
}

// EncodeResolved builds a PaymentReleased or PaymentRefunded log.
func EncodeResolved(name string, ev PaymentResolved) (types.Log, error) {
	event, ok := EscrowABI.Events[name]
	if !ok {
		return types.Log{}, fmt.Errorf("unknown event %s", name)
	}
	data, err := event.Inputs.NonIndexed().Pack(ev.Timestamp)
	if err != nil {
		return types.Log{}, fmt.Errorf("pack %s: %w", name, err)
	}
	return types.Log{
		Topics: []common.Hash{
			event.ID,
			common.Hash(ev.PaymentId),
			common.BytesToHash(ev.Admin.Bytes()),
		},
		Data: data,
	}, nil
}

// EncodeOwnershipTransferred builds an OwnershipTransferred log.
func EncodeOwnershipTransferred(previous, next common.Address) types.Log {
	return types.Log{
		Topics: []common.Hash{
			EventID(EventOwnershipTransferred),
			common.BytesToHash(previous.Bytes()),
			common.BytesToHash(next.Bytes()),
		},
	}
}
