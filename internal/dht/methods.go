package dht

import (
	"math/big"
	"strings"
	"time"

	"github.com/zde37/rangedht/internal/ranges"
	"github.com/zde37/rangedht/pkg/hash"
)

// DHT methods
const (
	MethodGetRangesTable       = "GetRangesTable"
	MethodUpdateHashRangeTable = "UpdateHashRangeTable"
	MethodSplitRangeRequest    = "SplitRangeRequest"
	MethodSplitRangeCancel     = "SplitRangeCancel"
	MethodGetRangeDataRequest  = "GetRangeDataRequest"
	MethodPutDataBlock         = "PutDataBlock"
	MethodGetDataBlock         = "GetDataBlock"
	MethodCheckDataBlock       = "CheckDataBlock"
	MethodDeleteDataBlock      = "DeleteDataBlock"
	MethodRepairDataBlocks     = "RepairDataBlocks"
	MethodClientPutData        = "ClientPutData"
	MethodClientGetData        = "ClientGetData"
	MethodClientDeleteData     = "ClientDeleteData"
	MethodGetKeysInfo          = "GetKeysInfo"
	MethodPutKeysInfo          = "PutKeysInfo"
)

// RoleClient is the role carried by requests from the client gateway.
const RoleClient = "client"

var clientMethods = map[string]bool{
	MethodClientPutData:    true,
	MethodClientGetData:    true,
	MethodClientDeleteData: true,
	MethodGetKeysInfo:      true,
	MethodPutKeysInfo:      true,
	MethodGetRangesTable:   true,
	MethodRepairDataBlocks: true,
}

// DefaultRoles lets peers call everything and clients only the client API.
type DefaultRoles struct{}

func (DefaultRoles) Allow(role, method string) bool {
	if role == RoleClient {
		return clientMethods[method]
	}
	return true
}

type rangeParams struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func newRangeParams(start, end *big.Int) rangeParams {
	return rangeParams{Start: hash.KeyToHex(start), End: hash.KeyToHex(end)}
}

func (p rangeParams) parse() (*big.Int, *big.Int, error) {
	start, err := hash.ParseKey(p.Start)
	if err != nil {
		return nil, nil, err
	}
	end, err := hash.ParseKey(p.End)
	if err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

func (p rangeParams) matches(start, end *big.Int) bool {
	return strings.EqualFold(p.Start, hash.KeyToHex(start)) && strings.EqualFold(p.End, hash.KeyToHex(end))
}

// TableBatch is an all-or-nothing range table change.
type TableBatch struct {
	Remove []string       `json:"remove"` // a key inside each range to drop
	Append []ranges.Range `json:"append"`
}

func (b TableBatch) removeKeys() ([]*big.Int, error) {
	keys := make([]*big.Int, 0, len(b.Remove))
	for _, s := range b.Remove {
		k, err := hash.ParseKey(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

type tableParams struct {
	ModIndexOnly bool `json:"mod_index_only,omitempty"`
}

type modIndexResult struct {
	ModIndex uint64 `json:"mod_index"`
	Ranges   int    `json:"ranges"`
}

type splitResult struct {
	Retained  ranges.Range `json:"retained"`
	HandedOff ranges.Range `json:"handed_off"`
}

// blockParams addresses one stored block. The block itself travels in
// Request.Binary.
type blockParams struct {
	Key           string `json:"key"`
	IsReplica     bool   `json:"is_replica,omitempty"`
	CarefullySave bool   `json:"carefully_save,omitempty"`
	InitBlock     bool   `json:"init_block,omitempty"`
	StoredAt      int64  `json:"stored_at,omitempty"` // unix nanos
	Checksum      string `json:"checksum,omitempty"`
}

func (p blockParams) storedAt() time.Time {
	if p.StoredAt == 0 {
		return time.Time{}
	}
	return time.Unix(0, p.StoredAt)
}

type blockInfo struct {
	Key      string `json:"key"`
	StoredAt int64  `json:"stored_at"`
	Checksum string `json:"checksum"`
}

// ClientData is the client view of a stored object.
type ClientData struct {
	Key            string `json:"key"`
	Checksum       string `json:"checksum"`
	ReplicaCount   int    `json:"replica_count"`
	FailedReplicas int    `json:"failed_replicas,omitempty"`
}

// ClientParams addresses an object for the client methods. A nil
// ReplicaCount means the configured default.
type ClientParams struct {
	Key          string `json:"key,omitempty"`
	ReplicaCount *int   `json:"replica_count,omitempty"`
}

// KeyInfo places one derived key.
type KeyInfo struct {
	Key       string `json:"key"`
	Owner     string `json:"owner"`
	IsReplica bool   `json:"is_replica"`
}

// RepairStats counts the work of one repair pass.
type RepairStats struct {
	ProcessedLocalBlocks      int `json:"processed_local_blocks"`
	InvalidLocalBlocks        int `json:"invalid_local_blocks"`
	RepairedForeignBlocks     int `json:"repaired_foreign_blocks"`
	FailedRepairForeignBlocks int `json:"failed_repair_foreign_blocks"`
}

// Add accumulates o into s.
func (s *RepairStats) Add(o RepairStats) {
	s.ProcessedLocalBlocks += o.ProcessedLocalBlocks
	s.InvalidLocalBlocks += o.InvalidLocalBlocks
	s.RepairedForeignBlocks += o.RepairedForeignBlocks
	s.FailedRepairForeignBlocks += o.FailedRepairForeignBlocks
}
