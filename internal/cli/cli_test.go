package cli

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dante4rt/tuition-escrow-dapp/internal/config"
	"github.com/dante4rt/tuition-escrow-dapp/internal/deposit"
	"github.com/dante4rt/tuition-escrow-dapp/internal/escrow"
	"github.com/dante4rt/tuition-escrow-dapp/internal/logger"
	"github.com/dante4rt/tuition-escrow-dapp/internal/payments"
)

const sepolia = 11155111

type env struct {
	chain   *escrow.FakeClient
	key     string
	account common.Address
}

func newEnv(t *testing.T, asAdmin bool) *env {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	account := crypto.PubkeyToAddress(key.PublicKey)

	owner := common.HexToAddress("0x23686f799e7C1E8158208882bAD2BD90A5C59256")
	if asAdmin {
		owner = account
	}
	fake := escrow.NewFakeClient(owner)
	fake.Mint(account, big.NewInt(100_000_000))
	return &env{chain: fake, key: hex.EncodeToString(crypto.FromECDSA(key)), account: account}
}

func (e *env) config() *config.AppConfig {
	return &config.AppConfig{
		Chain: config.ChainConfig{ChainID: sepolia},
		Wallet: config.WalletConfig{
			ProjectID:  "test",
			PrivateKey: e.key,
		},
		Universities: config.DefaultUniversities,
		LogLevel:     "debug",
	}
}

func (e *env) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	a := NewApp(WithLogger(logger.Test(t)), WithConfig(e.config()), WithChain(e.chain))
	var stdout, stderr bytes.Buffer
	cmd := a.Command()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := a.Execute(context.Background())
	return stdout.String(), stderr.String(), err
}

func (e *env) deposit(t *testing.T, amount, ref string) string {
	t.Helper()
	out, _, err := e.run(t, "deposit", "--university", "metropolis university", "--amount", amount, "--ref", ref)
	require.NoError(t, err)
	for _, line := range strings.Split(out, "\n") {
		if id, ok := strings.CutPrefix(line, "payment:"); ok {
			return strings.TrimSpace(id)
		}
	}
	t.Fatalf("no payment id in output:\n%s", out)
	return ""
}

func TestWhoami(t *testing.T) {
	e := newEnv(t, true)

	out, _, err := e.run(t, "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, e.account.Hex())
	assert.Contains(t, out, "chain:    11155111")
	assert.Contains(t, out, "admin:    true")

	other := newEnv(t, false)
	out, _, err = other.run(t, "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "admin:    false")
}

func TestWalletDisabled(t *testing.T) {
	e := newEnv(t, true)
	a := NewApp(WithLogger(logger.Test(t)), WithChain(e.chain), WithConfig(&config.AppConfig{
		Chain:        config.ChainConfig{ChainID: sepolia},
		Universities: config.DefaultUniversities,
	}))
	a.Command().SetArgs([]string{"balance"})
	a.Command().SetOut(&bytes.Buffer{})

	err := a.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet disabled")
}

func TestBalance(t *testing.T) {
	e := newEnv(t, false)

	out, _, err := e.run(t, "balance")
	require.NoError(t, err)
	assert.Contains(t, out, "balance:  100.00")
	assert.Contains(t, out, "25%=25.00 50%=50.00 75%=75.00 100%=100.00")
}

func TestDepositAndList(t *testing.T) {
	e := newEnv(t, false)

	out, _, err := e.run(t, "payments")
	require.NoError(t, err)
	assert.Contains(t, out, "No payments found.")

	id := e.deposit(t, "12.5", "INV-2024-001")
	require.Len(t, id, 66)

	out, _, err = e.run(t, "payments")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "INV-2024-001")
	assert.Contains(t, out, "Pending")
	assert.Contains(t, out, "12.5")

	out, _, err = e.run(t, "balance")
	require.NoError(t, err)
	assert.Contains(t, out, "balance:  87.50")
}

func TestDepositValidation(t *testing.T) {
	e := newEnv(t, false)

	_, _, err := e.run(t, "deposit", "--university", "Hogwarts", "--amount", "1", "--ref", "INV-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown university "Hogwarts"`)

	_, _, err = e.run(t, "deposit", "--university", "Gotham City College", "--amount", "0", "--ref", "INV-1")
	require.Error(t, err)

	_, _, err = e.run(t, "deposit", "--amount", "1", "--ref", "INV-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "university")
}

func TestReleaseAndRefund(t *testing.T) {
	e := newEnv(t, true)
	first := e.deposit(t, "10", "INV-1")
	second := e.deposit(t, "5", "INV-2")

	out, stderr, err := e.run(t, "release", first)
	require.NoError(t, err)
	assert.Contains(t, out, "submitted: 0x")
	assert.Contains(t, out, "release confirmed for "+first[:10]+"...")
	assert.Contains(t, stderr, "Action confirmed successfully!")

	_, _, err = e.run(t, "refund", second)
	require.NoError(t, err)

	out, _, err = e.run(t, "payments", "--json")
	require.NoError(t, err)
	var snap payments.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	status := map[string]string{}
	for _, p := range snap.Payments {
		status[p.ID.Hex()] = p.StatusText
	}
	assert.Equal(t, map[string]string{first: "Released", second: "Refunded"}, status)

	// a settled payment cannot be released again
	_, _, err = e.run(t, "release", first)
	require.Error(t, err)
}

func TestActionsRequireAdmin(t *testing.T) {
	e := newEnv(t, false)
	id := e.deposit(t, "10", "INV-1")

	_, _, err := e.run(t, "release", id)
	require.ErrorIs(t, err, payments.ErrNotAdmin)

	_, _, err = e.run(t, "refund", "0x1234")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid payment id")
}

func TestResolveUniversity(t *testing.T) {
	unis := []deposit.University{
		{Name: "Metropolis University", Address: common.HexToAddress("0x6813Eb9362372EEF6200f3b1dbC3f819671cBA69")},
	}

	got, err := resolveUniversity(unis, "  METROPOLIS university ")
	require.NoError(t, err)
	assert.Equal(t, "0x6813Eb9362372EEF6200f3b1dbC3f819671cBA69", got)

	raw := "0x26330aa1a1b40224daa82d06ee1cd6788445137b"
	got, err = resolveUniversity(unis, raw)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	_, err = resolveUniversity(unis, "Gotham")
	assert.ErrorContains(t, err, "Metropolis University")
}
