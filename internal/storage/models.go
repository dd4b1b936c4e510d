// Package storage provides the sqlite activation cache.
package storage

import "time"

// ActivatedAccount is a cached activation.
type ActivatedAccount struct {
	ChainID     int64     `json:"chainId"`
	Address     string    `json:"address"`
	ActivatedAt time.Time `json:"activatedAt"`
}
