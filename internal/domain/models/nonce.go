package models

import "github.com/ethereum/go-ethereum/common"

// NonceSnapshot is a read-only view of a wallet's nonce state, for operator
// inspection and metrics. It is never used for allocation decisions.
type NonceSnapshot struct {
	ChainID  uint64         `json:"chainId"`
	Wallet   common.Address `json:"wallet"`
	Next     uint64         `json:"next"`
	Recycled []uint64       `json:"recycled,omitempty"`
	InFlight []uint64       `json:"inFlight,omitempty"`
}

// NonceAuditEntry maps an assigned nonce to the queue id it was assigned to.
type NonceAuditEntry struct {
	Nonce   uint64 `json:"nonce"`
	QueueID string `json:"queueId"`
}
