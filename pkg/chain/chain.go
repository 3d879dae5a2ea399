// Package chain exposes the read-only contract views the guild backend needs:
// the DeGuild job ownership tuple, certificate verification, the Ownable owner,
// and the JobCompleted event history. One RPC client is shared process-wide.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Caller is what handlers depend on; *Client is the RPC-backed implementation.
type Caller interface {
	// OwnersOf returns the (client, taker) tuple for a job token.
	OwnersOf(ctx context.Context, contract common.Address, tokenID *big.Int) (common.Address, common.Address, error)
	// VerifyCertificate reports whether user holds the given certificate token.
	VerifyCertificate(ctx context.Context, contract, user common.Address, tokenID *big.Int) (bool, error)
	// Owner returns the Ownable owner of a contract.
	Owner(ctx context.Context, contract common.Address) (common.Address, error)
	// CompletedJobs counts JobCompleted events with the given indexed taker
	// over the full block range.
	CompletedJobs(ctx context.Context, contract, taker common.Address) (int, error)
}

const deGuildABIJSON = `[
  {"type":"function","name":"ownersOf","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"client","type":"address"},{"name":"taker","type":"address"}]},
  {"type":"event","name":"JobCompleted","anonymous":false,
   "inputs":[{"name":"jobId","type":"uint256","indexed":true},{"name":"taker","type":"address","indexed":true}]}
]`

const certificateABIJSON = `[
  {"type":"function","name":"verify","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"},{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

const ownableABIJSON = `[
  {"type":"function","name":"owner","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

type Client struct {
	ec          *ethclient.Client
	deguild     abi.ABI
	certificate abi.ABI
	ownable     abi.ABI
}

func Dial(rpcURL string) (*Client, error) {
	ec, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return newClient(ec)
}

func newClient(ec *ethclient.Client) (*Client, error) {
	abis, err := parseABIs()
	if err != nil {
		return nil, err
	}
	return &Client{ec: ec, deguild: abis[0], certificate: abis[1], ownable: abis[2]}, nil
}

func parseABIs() ([3]abi.ABI, error) {
	var out [3]abi.ABI
	for i, src := range []string{deGuildABIJSON, certificateABIJSON, ownableABIJSON} {
		parsed, err := abi.JSON(strings.NewReader(src))
		if err != nil {
			return out, fmt.Errorf("parse contract abi: %w", err)
		}
		out[i] = parsed
	}
	return out, nil
}

func (c *Client) Close() { c.ec.Close() }

func (c *Client) call(ctx context.Context, parsed abi.ABI, contract common.Address, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, contract.Hex(), err)
	}
	vals, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}

func (c *Client) OwnersOf(ctx context.Context, contract common.Address, tokenID *big.Int) (common.Address, common.Address, error) {
	vals, err := c.call(ctx, c.deguild, contract, "ownersOf", tokenID)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	client, ok1 := vals[0].(common.Address)
	taker, ok2 := vals[1].(common.Address)
	if !ok1 || !ok2 {
		return common.Address{}, common.Address{}, fmt.Errorf("ownersOf: unexpected return shape")
	}
	return client, taker, nil
}

func (c *Client) VerifyCertificate(ctx context.Context, contract, user common.Address, tokenID *big.Int) (bool, error) {
	vals, err := c.call(ctx, c.certificate, contract, "verify", user, tokenID)
	if err != nil {
		return false, err
	}
	ok, isBool := vals[0].(bool)
	if !isBool {
		return false, fmt.Errorf("verify: unexpected return shape")
	}
	return ok, nil
}

func (c *Client) Owner(ctx context.Context, contract common.Address) (common.Address, error) {
	vals, err := c.call(ctx, c.ownable, contract, "owner")
	if err != nil {
		return common.Address{}, err
	}
	owner, isAddr := vals[0].(common.Address)
	if !isAddr {
		return common.Address{}, fmt.Errorf("owner: unexpected return shape")
	}
	return owner, nil
}

func (c *Client) CompletedJobs(ctx context.Context, contract, taker common.Address) (int, error) {
	logs, err := c.ec.FilterLogs(ctx, jobCompletedQuery(c.deguild, contract, taker))
	if err != nil {
		return 0, fmt.Errorf("filter JobCompleted logs: %w", err)
	}
	return len(logs), nil
}

func jobCompletedQuery(deguild abi.ABI, contract, taker common.Address) ethereum.FilterQuery {
	ev := deguild.Events["JobCompleted"]
	return ethereum.FilterQuery{
		FromBlock: big.NewInt(0),
		Addresses: []common.Address{contract},
		Topics: [][]common.Hash{
			{ev.ID},
			nil, // any jobId
			{common.BytesToHash(taker.Bytes())},
		},
	}
}
