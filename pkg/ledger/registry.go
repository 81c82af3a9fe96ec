package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/exploopio/audit-anchor/pkg/digest"
	errs "github.com/exploopio/audit-anchor/pkg/errors"
)

// RegistrationRecord is one ReportRegistered event.
type RegistrationRecord struct {
	Index       uint64        `json:"index"`
	ReportHash  digest.Digest `json:"report_hash"`
	IpfsCID     string        `json:"ipfs_cid"`
	BlockNumber uint64        `json:"block_number"`
	TxHash      common.Hash   `json:"tx_hash"`
}

// TotalReports calls totalReports() at the latest block.
func (c *Client) TotalReports(ctx context.Context) (uint64, error) {
	const op = "ledger.TotalReports"

	input, err := c.abi.Pack(MethodTotalReports)
	if err != nil {
		return 0, errs.E(errs.KindInternal, op, "pack call", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &c.registry, Data: input}, nil)
	if err != nil {
		return 0, errs.E(errs.KindNetwork, op, "call totalReports", err)
	}

	values, err := c.abi.Unpack(MethodTotalReports, out)
	if err != nil || len(values) != 1 {
		return 0, errs.E(errs.KindDecode, op, "unpack totalReports result", err)
	}
	n, ok := values[0].(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, errs.E(errs.KindDecode, op, fmt.Sprintf("unexpected totalReports value %v", values[0]))
	}
	return n.Uint64(), nil
}

// Registrations returns every ReportRegistered event emitted by the registry
// from fromBlock to the latest block, in log order.
func (c *Client) Registrations(ctx context.Context, fromBlock uint64) ([]RegistrationRecord, error) {
	const op = "ledger.Registrations"

	event := c.abi.Events[EventReportRegistered]
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{c.registry},
		Topics:    [][]common.Hash{{event.ID}},
	})
	if err != nil {
		return nil, errs.E(errs.KindNetwork, op, "filter logs", err)
	}

	records := make([]RegistrationRecord, 0, len(logs))
	for i := range logs {
		if logs[i].Removed {
			continue
		}
		rec, err := c.decodeRegistration(event, &logs[i])
		if err != nil {
			return nil, errs.E(errs.KindDecode, op, fmt.Sprintf("log %d of tx %s", logs[i].Index, logs[i].TxHash.Hex()), err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// decodeRegistration reads the event by argument name, so the indexed/plain
// split of a custom ABI does not matter.
func (c *Client) decodeRegistration(event abi.Event, lg *types.Log) (RegistrationRecord, error) {
	fields := map[string]interface{}{}

	if len(lg.Data) > 0 {
		if err := c.abi.UnpackIntoMap(fields, event.Name, lg.Data); err != nil {
			return RegistrationRecord{}, err
		}
	}

	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if len(lg.Topics) < 1+len(indexed) {
			return RegistrationRecord{}, fmt.Errorf("expected %d topics, got %d", 1+len(indexed), len(lg.Topics))
		}
		if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
			return RegistrationRecord{}, err
		}
	}

	rec := RegistrationRecord{BlockNumber: lg.BlockNumber, TxHash: lg.TxHash}

	idx, ok := fields["index"].(*big.Int)
	if !ok || !idx.IsUint64() {
		return RegistrationRecord{}, fmt.Errorf("index field missing or out of range")
	}
	rec.Index = idx.Uint64()

	hash, ok := fields["reportHash"].([32]byte)
	if !ok {
		return RegistrationRecord{}, fmt.Errorf("reportHash field missing")
	}
	rec.ReportHash = digest.Digest(hash)

	cid, ok := fields["ipfsCid"].(string)
	if !ok {
		return RegistrationRecord{}, fmt.Errorf("ipfsCid field missing")
	}
	rec.IpfsCID = cid

	return rec, nil
}
