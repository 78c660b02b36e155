package execution

import (
	"context"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
	"github.com/MarekRumisek/ib-trading-platform/internal/gateway"
)

// command worker 事件循环处理的命令
type command interface {
	commandType() commandType
}

type commandType string

const (
	cmdSubmit      commandType = "submit"
	cmdRecords     commandType = "records"
	cmdRecord      commandType = "record"
	cmdStats       commandType = "stats"
	cmdStop        commandType = "stop"
	cmdSettle      commandType = "settle"
	cmdDeadline    commandType = "deadline"
	cmdAckDeadline commandType = "ack_deadline"
	cmdReconnected commandType = "reconnected"
)

// submitCommand 下单（调用方入队）
type submitCommand struct {
	ctx    context.Context
	ticket *Ticket
}

func (*submitCommand) commandType() commandType { return cmdSubmit }

// recordsCommand 查询全部订单记录（快照）
type recordsCommand struct {
	reply chan []domain.OrderRecord
}

func (*recordsCommand) commandType() commandType { return cmdRecords }

// recordCommand 查询单个订单记录
type recordCommand struct {
	orderID int64
	reply   chan recordReply
}

type recordReply struct {
	record domain.OrderRecord
	ok     bool
}

func (*recordCommand) commandType() commandType { return cmdRecord }

type statsCommand struct {
	reply chan Stats
}

func (*statsCommand) commandType() commandType { return cmdStats }

type stopCommand struct {
	reason string
}

func (*stopCommand) commandType() commandType { return cmdStop }

// 以下为内部命令（定时器 / 异步重连回投）

type settleCommand struct {
	orderID int64
}

func (*settleCommand) commandType() commandType { return cmdSettle }

type deadlineCommand struct {
	orderID int64
}

func (*deadlineCommand) commandType() commandType { return cmdDeadline }

type ackDeadlineCommand struct {
	reqID string
}

func (*ackDeadlineCommand) commandType() commandType { return cmdAckDeadline }

type reconnectedCommand struct {
	conn gateway.Conn
	err  error
}

func (*reconnectedCommand) commandType() commandType { return cmdReconnected }
