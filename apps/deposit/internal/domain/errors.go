package domain

import "errors"

var (
	// ErrChainRPC 节点调用失败，下一次调度再试
	ErrChainRPC = errors.New("chain rpc error")
	// ErrGasFundingFailed 给充值地址打 gas 失败，可重试
	ErrGasFundingFailed = errors.New("gas funding failed")
	// ErrSweepTransferFailed 归集转账失败或回执失败，可重试
	ErrSweepTransferFailed = errors.New("sweep transfer failed")
	// ErrUnknownOwner 充值地址找不到对应用户，记录日志后丢弃
	ErrUnknownOwner = errors.New("unknown deposit owner")
	// ErrCursorRegression 游标只能前进
	ErrCursorRegression = errors.New("scan cursor cannot move backwards")
)
