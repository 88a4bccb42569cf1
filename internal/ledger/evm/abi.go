package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const contractABI = `[
  {"type":"function","name":"mintBatch","stateMutability":"nonpayable","inputs":[
    {"name":"batchNumber","type":"uint256"},
    {"name":"templateId","type":"string"},
    {"name":"quantity","type":"uint256"},
    {"name":"productionDate","type":"uint256"},
    {"name":"expiryDate","type":"uint256"},
    {"name":"carbonFootprint","type":"uint256"},
    {"name":"plantId","type":"string"},
    {"name":"metadataURI","type":"string"},
    {"name":"data","type":"bytes"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"transferToPartner","stateMutability":"nonpayable","inputs":[
    {"name":"to","type":"address"},
    {"name":"tokenId","type":"uint256"},
    {"name":"amount","type":"uint256"},
    {"name":"reason","type":"string"},
    {"name":"metadata","type":"string"}],
   "outputs":[]},
  {"type":"function","name":"getBatchInfo","stateMutability":"view","inputs":[
    {"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"tuple","components":[
    {"name":"batchNumber","type":"uint256"},
    {"name":"manufacturer","type":"address"},
    {"name":"templateId","type":"string"},
    {"name":"quantity","type":"uint256"},
    {"name":"productionDate","type":"uint256"},
    {"name":"expiryDate","type":"uint256"},
    {"name":"carbonFootprint","type":"uint256"},
    {"name":"plantId","type":"string"},
    {"name":"metadataURI","type":"string"},
    {"name":"isActive","type":"bool"}]}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"account","type":"address"},
    {"name":"id","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getCurrentTokenId","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getTokenIdByBatch","stateMutability":"view","inputs":[
    {"name":"batchNumber","type":"uint256"},
    {"name":"manufacturer","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"BatchMinted","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"manufacturer","type":"address","indexed":true},
    {"name":"batchNumber","type":"uint256","indexed":false},
    {"name":"quantity","type":"uint256","indexed":false},
    {"name":"carbonFootprint","type":"uint256","indexed":false}]}
]`

// batchInfoTuple matches the getBatchInfo tuple field for field.
type batchInfoTuple struct {
	BatchNumber     *big.Int       `json:"batchNumber"`
	Manufacturer    common.Address `json:"manufacturer"`
	TemplateId      string         `json:"templateId"`
	Quantity        *big.Int       `json:"quantity"`
	ProductionDate  *big.Int       `json:"productionDate"`
	ExpiryDate      *big.Int       `json:"expiryDate"`
	CarbonFootprint *big.Int       `json:"carbonFootprint"`
	PlantId         string         `json:"plantId"`
	MetadataURI     string         `json:"metadataURI"`
	IsActive        bool           `json:"isActive"`
}

func parseABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(contractABI))
}
