package ledger

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Registry entry points and events the client depends on.
const (
	MethodRegisterReport  = "registerReport"
	MethodTotalReports    = "totalReports"
	EventReportRegistered = "ReportRegistered"
)

// RegistryABI is the subset of the report registry contract this client uses.
//
//	function registerReport(bytes32 reportHash, string ipfsCid)
//	function totalReports() view returns (uint256)
//	event ReportRegistered(uint256 indexed index, bytes32 reportHash, string ipfsCid)
const RegistryABI = `[
  {
    "type": "function",
    "name": "registerReport",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "reportHash", "type": "bytes32"},
      {"name": "ipfsCid", "type": "string"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "totalReports",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "type": "event",
    "name": "ReportRegistered",
    "anonymous": false,
    "inputs": [
      {"name": "index", "type": "uint256", "indexed": true},
      {"name": "reportHash", "type": "bytes32", "indexed": false},
      {"name": "ipfsCid", "type": "string", "indexed": false}
    ]
  }
]`

// LoadABI parses the registry ABI from path, or the built-in RegistryABI when
// path is empty. A deployment compiled with different indexing on the event
// can supply its own ABI file; the entry points must still be present.
func LoadABI(path string) (abi.ABI, error) {
	src := RegistryABI
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return abi.ABI{}, fmt.Errorf("read registry ABI: %w", err)
		}
		src = string(b)
	}

	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse registry ABI: %w", err)
	}
	if err := checkABI(parsed); err != nil {
		return abi.ABI{}, err
	}
	return parsed, nil
}

func checkABI(a abi.ABI) error {
	reg, ok := a.Methods[MethodRegisterReport]
	if !ok {
		return fmt.Errorf("registry ABI has no %s method", MethodRegisterReport)
	}
	if len(reg.Inputs) != 2 || reg.Inputs[0].Type.String() != "bytes32" || reg.Inputs[1].Type.String() != "string" {
		return fmt.Errorf("registry ABI: %s must take (bytes32,string), got %s", MethodRegisterReport, reg.Sig)
	}
	if _, ok := a.Methods[MethodTotalReports]; !ok {
		return fmt.Errorf("registry ABI has no %s method", MethodTotalReports)
	}
	if _, ok := a.Events[EventReportRegistered]; !ok {
		return fmt.Errorf("registry ABI has no %s event", EventReportRegistered)
	}
	return nil
}
