package protocol

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// marketABIJSON is the fragment of the market contract the vault talks
// to. Parsed at startup; no generated bindings.
const marketABIJSON = `[
  {"type":"function","name":"openPosition","stateMutability":"nonpayable",
   "inputs":[{"name":"amount","type":"uint256"},{"name":"minOutput","type":"uint256"},{"name":"minPrice","type":"uint256"}],
   "outputs":[{"name":"maturityTime","type":"uint256"},{"name":"bondAmount","type":"uint256"}]},
  {"type":"function","name":"closePosition","stateMutability":"nonpayable",
   "inputs":[{"name":"maturityTime","type":"uint256"},{"name":"bondAmount","type":"uint256"},{"name":"minOutput","type":"uint256"}],
   "outputs":[{"name":"proceeds","type":"uint256"}]},
  {"type":"function","name":"previewClosePosition","stateMutability":"view",
   "inputs":[{"name":"maturityTime","type":"uint256"},{"name":"bondAmount","type":"uint256"}],
   "outputs":[{"name":"proceeds","type":"uint256"}]},
  {"type":"function","name":"poolConfig","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"minimumTransactionAmount","type":"uint256"},{"name":"positionDuration","type":"uint256"},{"name":"checkpointDuration","type":"uint256"}]},
  {"type":"function","name":"currentPrice","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"price","type":"uint256"}]},
  {"type":"event","name":"PositionOpened","anonymous":false,
   "inputs":[{"name":"maturityTime","type":"uint256","indexed":true},{"name":"bondAmount","type":"uint256","indexed":false},{"name":"amountPaid","type":"uint256","indexed":false}]},
  {"type":"event","name":"PositionClosed","anonymous":false,
   "inputs":[{"name":"maturityTime","type":"uint256","indexed":true},{"name":"bondAmount","type":"uint256","indexed":false},{"name":"proceeds","type":"uint256","indexed":false}]}
]`

// EthMarket is a Market backed by an EVM contract. Read paths go through
// eth_call; opens and closes submit transactions and decode the result
// from the receipt logs. The contract is expected to denominate amounts
// in the same base units as the vault.
type EthMarket struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	abi      abi.ABI
	address  common.Address
	auth     *bind.TransactOpts
}

// NewEthMarket dials rpcURL and binds the market contract. privateKeyHex
// signs open/close transactions.
func NewEthMarket(rpcURL, contractAddr, privateKeyHex string, chainID int64) (*EthMarket, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("protocol: dial %s: %w", rpcURL, err)
	}

	parsed, err := abi.JSON(strings.NewReader(marketABIJSON))
	if err != nil {
		return nil, fmt.Errorf("protocol: parse market abi: %w", err)
	}

	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("protocol: invalid private key: %w", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(chainID))
	if err != nil {
		return nil, fmt.Errorf("protocol: transactor: %w", err)
	}

	address := common.HexToAddress(contractAddr)
	contract := bind.NewBoundContract(address, parsed, client, client, client)

	return &EthMarket{
		client:   client,
		contract: contract,
		abi:      parsed,
		address:  address,
		auth:     auth,
	}, nil
}

func (m *EthMarket) OpenPosition(ctx context.Context, amount, minOutput, minPrice int64) (int64, int64, error) {
	opts := *m.auth
	opts.Context = ctx

	tx, err := m.contract.Transact(&opts, "openPosition",
		big.NewInt(amount), big.NewInt(minOutput), big.NewInt(minPrice))
	if err != nil {
		return 0, 0, fmt.Errorf("protocol: openPosition: %w", err)
	}

	receipt, err := m.waitMined(ctx, tx)
	if err != nil {
		return 0, 0, err
	}

	fields, err := m.decodeLog(receipt, "PositionOpened")
	if err != nil {
		return 0, 0, err
	}

	maturity, err := toInt64(fields["maturityTime"])
	if err != nil {
		return 0, 0, err
	}
	quantity, err := toInt64(fields["bondAmount"])
	if err != nil {
		return 0, 0, err
	}
	return maturity, quantity, nil
}

func (m *EthMarket) ClosePosition(ctx context.Context, maturityTime, quantity, minOutput int64) (int64, error) {
	opts := *m.auth
	opts.Context = ctx

	tx, err := m.contract.Transact(&opts, "closePosition",
		big.NewInt(maturityTime), big.NewInt(quantity), big.NewInt(minOutput))
	if err != nil {
		return 0, fmt.Errorf("protocol: closePosition: %w", err)
	}

	receipt, err := m.waitMined(ctx, tx)
	if err != nil {
		return 0, err
	}

	fields, err := m.decodeLog(receipt, "PositionClosed")
	if err != nil {
		return 0, err
	}
	return toInt64(fields["proceeds"])
}

func (m *EthMarket) PreviewClosePosition(ctx context.Context, maturityTime, quantity int64) (int64, error) {
	var out []interface{}
	err := m.contract.Call(&bind.CallOpts{Context: ctx}, &out, "previewClosePosition",
		big.NewInt(maturityTime), big.NewInt(quantity))
	if err != nil {
		return 0, fmt.Errorf("protocol: previewClosePosition: %w", err)
	}
	return toInt64(out[0])
}

func (m *EthMarket) PoolConfig(ctx context.Context) (PoolConfig, error) {
	var out []interface{}
	err := m.contract.Call(&bind.CallOpts{Context: ctx}, &out, "poolConfig")
	if err != nil {
		return PoolConfig{}, fmt.Errorf("protocol: poolConfig: %w", err)
	}

	minTx, err := toInt64(out[0])
	if err != nil {
		return PoolConfig{}, err
	}
	duration, err := toInt64(out[1])
	if err != nil {
		return PoolConfig{}, err
	}
	checkpoint, err := toInt64(out[2])
	if err != nil {
		return PoolConfig{}, err
	}

	return PoolConfig{
		MinimumTransactionAmount: minTx,
		PositionDuration:         duration,
		CheckpointDuration:       checkpoint,
	}, nil
}

func (m *EthMarket) CurrentPrice(ctx context.Context) (int64, error) {
	var out []interface{}
	err := m.contract.Call(&bind.CallOpts{Context: ctx}, &out, "currentPrice")
	if err != nil {
		return 0, fmt.Errorf("protocol: currentPrice: %w", err)
	}
	return toInt64(out[0])
}

func (m *EthMarket) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, m.client, tx)
	if err != nil {
		return nil, fmt.Errorf("protocol: wait mined %s: %w", tx.Hash(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		// The guard that tripped is not recoverable from the receipt;
		// surface it as a min-output failure, the common case.
		return nil, fmt.Errorf("%w: tx %s reverted", ErrMinOutputNotMet, tx.Hash())
	}
	return receipt, nil
}

// decodeLog finds the named event in the receipt and unpacks its fields,
// indexed topics included.
func (m *EthMarket) decodeLog(receipt *types.Receipt, name string) (map[string]interface{}, error) {
	ev, ok := m.abi.Events[name]
	if !ok {
		return nil, fmt.Errorf("protocol: abi has no event %s", name)
	}

	for _, lg := range receipt.Logs {
		if lg.Address != m.address || len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}

		fields := make(map[string]interface{})
		if err := m.contract.UnpackLogIntoMap(fields, name, *lg); err != nil {
			return nil, fmt.Errorf("protocol: unpack %s: %w", name, err)
		}
		return fields, nil
	}
	return nil, fmt.Errorf("protocol: receipt %s missing %s log", receipt.TxHash, name)
}

func toInt64(v interface{}) (int64, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return 0, fmt.Errorf("protocol: unexpected abi value %T", v)
	}
	if !b.IsInt64() {
		return 0, fmt.Errorf("protocol: value %s overflows int64", b)
	}
	return b.Int64(), nil
}
