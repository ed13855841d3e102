// Package chain implements the Chain Reader: typed, idempotent
// access to the single known prediction-market contract over
// github.com/ethereum/go-ethereum's ethclient/rpc/abi packages.
//
// Grounded on _examples/ethereum-go-ethereum/ethclient/ethclient_test.go
// (ethclient.Client's interface surface) and
// other_examples/ba7b7229_MichaelKim20-agora-scan__exporter-eth1.go
// (gethRPC.Dial + ethclient.NewClient(rpcClient) pairing, used here to
// share one RPC connection between the typed client and batch calls).
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/roundsync/indexer/internal/model"
)

// RoundMetadata is the per-round on-chain state read by round_metadata.
type RoundMetadata struct {
	StartTS      int64
	LockTS       int64
	CloseTS      int64
	LockPrice    string // 18-digit raw
	ClosePrice   string // 18-digit raw
	OracleCalled bool
}

// ErrorClass distinguishes retryable RPC failures from permanent ones.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassTransient
	ClassPermanent
)

// RPCError wraps an underlying error with its retry classification.
type RPCError struct {
	Class ErrorClass
	Err   error
}

func (e *RPCError) Error() string { return e.Err.Error() }
func (e *RPCError) Unwrap() error  { return e.Err }

func classify(err error) *RPCError {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	class := ClassPermanent
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "temporarily unavailable"),
		strings.Contains(msg, "eof"):
		class = ClassTransient
	}
	return &RPCError{Class: class, Err: err}
}

// transientRetryBudget bounds how many attempts a single reader call makes
// before surfacing a still-failing transient error; transientRetryBaseDelay
// is the linear backoff step between attempts.
const (
	transientRetryBudget    = 3
	transientRetryBaseDelay = 200 * time.Millisecond
)

// withRetry retries fn while it keeps failing with a ClassTransient error,
// up to transientRetryBudget attempts, backing off linearly between
// attempts. A nil error returns immediately; a permanent (or unclassified)
// error returns immediately without retrying.
func withRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= transientRetryBudget; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) || rpcErr.Class != ClassTransient {
			return zero, err
		}
		if attempt == transientRetryBudget {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(time.Duration(attempt) * transientRetryBaseDelay):
		}
	}
	return zero, lastErr
}

// Reader is the Chain Reader contract.
type Reader interface {
	CurrentEpoch(ctx context.Context) (uint64, error)
	RoundMetadata(ctx context.Context, epoch uint64) (RoundMetadata, error)
	LatestBlockHeight(ctx context.Context) (uint64, error)
	BlockHeader(ctx context.Context, height uint64) (timestamp time.Time, err error)
	BlockHeaders(ctx context.Context, heights []uint64) (map[uint64]time.Time, error)
	Logs(ctx context.Context, stream model.EventStream, from, to uint64) ([]model.RawEvent, error)
}

// EthReader is the production Reader backed by a live JSON-RPC endpoint.
type EthReader struct {
	client       *ethclient.Client
	rpcClient    *rpc.Client
	contractAddr common.Address
	parsedABI    abi.ABI
	callTimeout  time.Duration
	headerBatch  int
}

// NewEthReader dials rpcURL once and shares the connection between the
// typed ethclient.Client and raw batch RPC calls, as
// other_examples/ba7b7229_...eth1.go does.
func NewEthReader(ctx context.Context, rpcURL string, contractAddr common.Address, callTimeout time.Duration, headerBatch int) (*EthReader, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	parsed, err := parseContractABI()
	if err != nil {
		return nil, fmt.Errorf("chain: parse abi: %w", err)
	}
	return &EthReader{
		client:       ethclient.NewClient(rpcClient),
		rpcClient:    rpcClient,
		contractAddr: contractAddr,
		parsedABI:    parsed,
		callTimeout:  callTimeout,
		headerBatch:  headerBatch,
	}, nil
}

func (r *EthReader) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.callTimeout)
}

// CurrentEpoch reads the contract's live epoch counter.
func (r *EthReader) CurrentEpoch(ctx context.Context) (uint64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	data, err := r.parsedABI.Pack("currentEpoch")
	if err != nil {
		return 0, fmt.Errorf("chain: pack currentEpoch: %w", err)
	}
	out, err := withRetry(ctx, func() ([]byte, error) {
		out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.contractAddr, Data: data}, nil)
		if err != nil {
			return nil, classify(err)
		}
		return out, nil
	})
	if err != nil {
		return 0, err
	}
	var epoch *big.Int
	if err := r.parsedABI.UnpackIntoInterface(&epoch, "currentEpoch", out); err != nil {
		return 0, fmt.Errorf("chain: unpack currentEpoch: %w", err)
	}
	return epoch.Uint64(), nil
}

// RoundMetadata reads the per-round struct for epoch. A revert (e.g.
// rounds(e+1) when e+1 does not exist yet) is classified and surfaced;
// callers (the Block Locator) may substitute a fallback.
func (r *EthReader) RoundMetadata(ctx context.Context, epoch uint64) (RoundMetadata, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	data, err := r.parsedABI.Pack("rounds", new(big.Int).SetUint64(epoch))
	if err != nil {
		return RoundMetadata{}, fmt.Errorf("chain: pack rounds: %w", err)
	}
	out, err := withRetry(ctx, func() ([]byte, error) {
		out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.contractAddr, Data: data}, nil)
		if err != nil {
			return nil, classify(err)
		}
		return out, nil
	})
	if err != nil {
		return RoundMetadata{}, err
	}
	vals, err := r.parsedABI.Unpack("rounds", out)
	if err != nil {
		return RoundMetadata{}, fmt.Errorf("chain: unpack rounds: %w", err)
	}
	if len(vals) < 10 {
		return RoundMetadata{}, fmt.Errorf("chain: rounds() returned %d values, want 10", len(vals))
	}
	startTS, _ := vals[1].(*big.Int)
	lockTS, _ := vals[2].(*big.Int)
	closeTS, _ := vals[3].(*big.Int)
	lockPrice, _ := vals[4].(*big.Int)
	closePrice, _ := vals[5].(*big.Int)
	oracleCalled, _ := vals[9].(bool)

	return RoundMetadata{
		StartTS:      asInt64(startTS),
		LockTS:       asInt64(lockTS),
		CloseTS:      asInt64(closeTS),
		LockPrice:    asDecimalString(lockPrice),
		ClosePrice:   asDecimalString(closePrice),
		OracleCalled: oracleCalled,
	}, nil
}

func asInt64(b *big.Int) int64 {
	if b == nil {
		return 0
	}
	return b.Int64()
}

func asDecimalString(b *big.Int) string {
	if b == nil {
		return "0"
	}
	return b.String()
}

// LatestBlockHeight reads the chain tip.
func (r *EthReader) LatestBlockHeight(ctx context.Context) (uint64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	n, err := withRetry(ctx, func() (uint64, error) {
		n, err := r.client.BlockNumber(ctx)
		if err != nil {
			return 0, classify(err)
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// BlockHeader returns the timestamp of a single block.
func (r *EthReader) BlockHeader(ctx context.Context, height uint64) (time.Time, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	h, err := withRetry(ctx, func() (*types.Header, error) {
		h, err := r.client.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
		if err != nil {
			return nil, classify(err)
		}
		return h, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(h.Time), 0).UTC(), nil
}

// rpcBlockHeader is the minimal shape needed out of eth_getBlockByNumber
// for a batched call.
type rpcBlockHeader struct {
	Number    string `json:"number"`
	Timestamp string `json:"timestamp"`
}

// BlockHeaders batches header lookups via JSON-RPC batch calls, coalescing duplicate heights
// before issuing the batch.
func (r *EthReader) BlockHeaders(ctx context.Context, heights []uint64) (map[uint64]time.Time, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	distinct := dedupeUint64(heights)
	result := make(map[uint64]time.Time, len(distinct))

	for start := 0; start < len(distinct); start += r.headerBatch {
		end := start + r.headerBatch
		if end > len(distinct) {
			end = len(distinct)
		}
		batch := distinct[start:end]

		results, err := withRetry(ctx, func() ([]*rpcBlockHeader, error) {
			elems := make([]rpc.BatchElem, len(batch))
			results := make([]*rpcBlockHeader, len(batch))
			for i, h := range batch {
				results[i] = new(rpcBlockHeader)
				elems[i] = rpc.BatchElem{
					Method: "eth_getBlockByNumber",
					Args:   []interface{}{hexUint64(h), false},
					Result: results[i],
				}
			}
			if err := r.rpcClient.BatchCallContext(ctx, elems); err != nil {
				return nil, classify(err)
			}
			for _, elem := range elems {
				if elem.Error != nil {
					return nil, classify(elem.Error)
				}
			}
			return results, nil
		})
		if err != nil {
			return nil, err
		}
		for i, res := range results {
			ts, err := parseHexUint64(res.Timestamp)
			if err != nil {
				return nil, fmt.Errorf("chain: parse block %d timestamp: %w", batch[i], err)
			}
			result[batch[i]] = time.Unix(int64(ts), 0).UTC()
		}
	}
	return result, nil
}

// Logs fetches and decodes every log for a single event stream in
// [from, to] (inclusive), decoding uniformly via the parsed ABI — the
// reader never special-cases a signature beyond looking up its topic
// hash.
func (r *EthReader) Logs(ctx context.Context, stream model.EventStream, from, to uint64) ([]model.RawEvent, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	name, ok := streamEventNames[string(stream)]
	if !ok {
		return nil, fmt.Errorf("chain: unknown event stream %q", stream)
	}
	event, ok := r.parsedABI.Events[name]
	if !ok {
		return nil, fmt.Errorf("chain: abi has no event %q", name)
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{r.contractAddr},
		Topics:    [][]common.Hash{{event.ID}},
	}
	logs, err := withRetry(ctx, func() ([]types.Log, error) {
		logs, err := r.client.FilterLogs(ctx, query)
		if err != nil {
			return nil, classify(err)
		}
		return logs, nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.RawEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := decodeLog(r.parsedABI, event, stream, lg)
		if err != nil {
			return nil, fmt.Errorf("chain: decode %s log at tx %s: %w", name, lg.TxHash.Hex(), err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func decodeLog(parsed abi.ABI, event abi.Event, stream model.EventStream, lg types.Log) (model.RawEvent, error) {
	vals := make(map[string]interface{})
	if err := parsed.UnpackIntoMap(vals, event.Name, lg.Data); err != nil {
		return model.RawEvent{}, err
	}
	// Indexed arguments are not present in Data; pull them from Topics in
	// declared order.
	topicIdx := 1 // Topics[0] is the event signature hash
	for _, input := range event.Inputs {
		if !input.Indexed {
			continue
		}
		if topicIdx >= len(lg.Topics) {
			break
		}
		switch input.Type.T {
		case abi.AddressTy:
			vals[input.Name] = common.HexToAddress(lg.Topics[topicIdx].Hex())
		case abi.UintTy, abi.IntTy:
			vals[input.Name] = new(big.Int).SetBytes(lg.Topics[topicIdx].Bytes())
		default:
			vals[input.Name] = lg.Topics[topicIdx]
		}
		topicIdx++
	}

	raw := model.RawEvent{
		Stream:      stream,
		BlockHeight: lg.BlockNumber,
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    uint(lg.Index),
	}
	if epoch, ok := vals["epoch"].(*big.Int); ok {
		raw.Epoch = epoch.Uint64()
	}
	if sender, ok := vals["sender"].(common.Address); ok {
		raw.Sender = strings.ToLower(sender.Hex())
	}
	if amount, ok := vals["amount"].(*big.Int); ok {
		raw.AmountRaw = amount.String()
	}
	if lockPrice, ok := vals["lockPrice"].(*big.Int); ok {
		raw.LockPrice = lockPrice.String()
	}
	if closePrice, ok := vals["closePrice"].(*big.Int); ok {
		raw.ClosePrice = closePrice.String()
	}
	return raw, nil
}

func dedupeUint64(in []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(in))
	out := make([]uint64, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func hexUint64(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}

func parseHexUint64(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	var v uint64
	_, err := fmt.Sscanf(s, "%x", &v)
	return v, err
}
