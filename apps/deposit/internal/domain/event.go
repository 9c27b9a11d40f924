package domain

import "context"

// CreditedEvent 入账成功事件
type CreditedEvent struct {
	OwnerID     string `json:"owner_id"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint   `json:"log_index"`
	SweepTxHash string `json:"sweep_tx_hash"`
}

type Notifier interface {
	PublishCredited(ctx context.Context, ev CreditedEvent) error
}
