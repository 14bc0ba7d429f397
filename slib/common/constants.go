package common

import "time"

const LogTagReserveBits = 3

const TxnMetaLogTag = 1
const ObjectLogTagLowBits = 2
const TxnHistoryLogTagLowBits = 3
const QueueLogTagLowBits = 4
const QueuePushLogTagLowBits = 5

const (
	FsmType_TxnMetaLog = iota
	FsmType_ObjectLog
	FsmType_TxnHistoryLog

	FsmType_QueueLog
	FsmType_QueuePushLog
)

const AsyncWaitTimeout = 60 * time.Second
const TagKeyBase = 36

// Global state-store policy knobs. These are compile-time switches in the
// teacher's own code rather than runtime config, so they stay as consts
// here too.
const (
	SWITCH_ON  = true
	SWITCH_OFF = false
	SW_STAT    = SWITCH_OFF
)

const (
	CONSISTENCY     = SEQUENTIAL_CONSISTENCY
	TXN_CHECK_METHOD = TXN_CHECK_APPEND
)

const (
	SEQUENTIAL_CONSISTENCY = "SEQUENTIAL"
	STRONG_CONSISTENCY     = "STRONG"

	TXN_CHECK_SEQUENCER = "CHECKSEQ"
	TXN_CHECK_APPEND    = "APPEND"
)
