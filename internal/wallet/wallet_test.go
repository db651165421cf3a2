package wallet

import (
	"context"
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dante4rt/tuition-escrow-dapp/internal/logger"
)

const sepolia = 11155111

func TestConnectorDisabledWithoutProjectID(t *testing.T) {
	t.Parallel()

	c := NewConnector(Config{ChainID: sepolia, PrivateKey: "0x01"}, StaticNetwork(sepolia), logger.Test(t))
	assert.False(t, c.Enabled())

	_, err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrDisabled)

	_, err = c.Transactor(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectorSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	c := NewConnector(Config{
		ProjectID:  "demo",
		ChainID:    sepolia,
		PrivateKey: "0x" + hex.EncodeToString(crypto.FromECDSA(key)),
	}, StaticNetwork(sepolia), logger.Test(t))

	var seen []Session
	cancel := c.OnChange(func(s Session) { seen = append(seen, s) })

	s, err := c.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, addr, s.Address)
	assert.False(t, s.WrongNetwork)

	opts, err := c.Transactor(ctx)
	require.NoError(t, err)
	assert.Equal(t, addr, opts.From)
	assert.Equal(t, ctx, opts.Context)

	tx := types.NewTx(&types.LegacyTx{Nonce: 1, Gas: 21000, GasPrice: big.NewInt(1)})
	signed, err := opts.Signer(opts.From, tx)
	require.NoError(t, err)
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(sepolia)), signed)
	require.NoError(t, err)
	assert.Equal(t, addr, from)

	c.Disconnect()
	assert.False(t, c.Session().Connected)
	_, err = c.Transactor(ctx)
	require.ErrorIs(t, err, ErrNotConnected)

	require.Len(t, seen, 2)
	assert.True(t, seen[0].Connected)
	assert.False(t, seen[1].Connected)

	cancel()
	_, err = c.Connect(ctx)
	require.NoError(t, err)
	assert.Len(t, seen, 2)
}

func TestConnectorWrongNetwork(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	c := NewConnector(Config{
		ProjectID:  "demo",
		ChainID:    sepolia,
		PrivateKey: hex.EncodeToString(crypto.FromECDSA(key)),
	}, StaticNetwork(1), logger.Test(t))

	s, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, s.WrongNetwork)

	_, err = c.Transactor(context.Background())
	require.ErrorIs(t, err, ErrWrongNetwork)
}

func TestConnectorKeystore(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	blob, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    addr,
		PrivateKey: key,
	}, "hunter2", keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	c := NewConnector(Config{
		ProjectID:          "demo",
		ChainID:            sepolia,
		KeystorePath:       path,
		KeystorePassphrase: "hunter2",
	}, StaticNetwork(sepolia), logger.Test(t))

	s, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, addr, s.Address)

	bad := NewConnector(Config{ProjectID: "demo", ChainID: sepolia, KeystorePath: path, KeystorePassphrase: "nope"},
		StaticNetwork(sepolia), logger.Test(t))
	_, err = bad.Connect(context.Background())
	require.Error(t, err)

	none := NewConnector(Config{ProjectID: "demo", ChainID: sepolia}, StaticNetwork(sepolia), logger.Test(t))
	_, err = none.Connect(context.Background())
	require.ErrorIs(t, err, ErrNoKey)
}
