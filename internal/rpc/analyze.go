package rpc

// PNIO status analysis and recovery-strategy selection
//
// Built from observed device behavior: the (decode, code1, code2)
// triple identifies the offending PDU block and field, which maps to a
// concrete adjustment for the next connect attempt.

import (
	"fmt"
)

// RecoveryAction recommends how to handle a failed RPC exchange.
type RecoveryAction int

const (
	RecoveryRetryUnchanged RecoveryAction = iota + 1
	RecoveryRetryMinimalConfig
	RecoveryFixBlockLength
	RecoveryFixPhase
	RecoveryFixTiming
	RecoveryTryCaseFoldedName
	RecoveryWaitAndRetry
	RecoveryRediscover
)

// String returns the action name.
func (a RecoveryAction) String() string {
	switch a {
	case RecoveryRetryUnchanged:
		return "RetryUnchanged"
	case RecoveryRetryMinimalConfig:
		return "RetryMinimalConfig"
	case RecoveryFixBlockLength:
		return "FixBlockLength"
	case RecoveryFixPhase:
		return "FixPhase"
	case RecoveryFixTiming:
		return "FixTiming"
	case RecoveryTryCaseFoldedName:
		return "TryCaseFoldedName"
	case RecoveryWaitAndRetry:
		return "WaitAndRetry"
	case RecoveryRediscover:
		return "Rediscover"
	}
	return "Unknown"
}

// ErrorAnalysis is the derived view of one failed RPC attempt.
// Lifecycle is per-attempt; never persisted.
type ErrorAnalysis struct {
	Status   Status
	Block    string // offending PDU block, if identified
	Field    string // offending field, if identified
	Action   RecoveryAction
	Comment  string
}

// StatusError carries a non-zero PNIO status as a typed error.
type StatusError struct {
	Operation string
	Status    Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s rejected with status 0x%08X (decode 0x%02X, code1 0x%02X, code2 0x%02X)",
		e.Operation, e.Status.Uint32(), e.Status.Decode, e.Status.Code1, e.Status.Code2)
}

// Error decodes
const (
	decodePNIO   uint8 = 0x81
	decodePNIORW uint8 = 0x80
)

// Connect-context code1 values: which request block was faulty
const (
	faultyARBlockReq        uint8 = 0x01
	faultyIOCRBlockReq      uint8 = 0x02
	faultyExpectedSubmodule uint8 = 0x03
	faultyAlarmCRBlockReq   uint8 = 0x04
	cmrpcConflict           uint8 = 0x3D
)

// IOCR block code2 values: offending field index
const (
	iocrFieldBlockLength     uint8 = 0x01
	iocrFieldDataLength      uint8 = 0x05
	iocrFieldSendClockFactor uint8 = 0x07
	iocrFieldReductionRatio  uint8 = 0x08
	iocrFieldPhase           uint8 = 0x09
	iocrFieldWatchdogFactor  uint8 = 0x0B
	iocrFieldDataHoldFactor  uint8 = 0x0C
)

// AR block code2 values
const (
	arFieldBlockLength uint8 = 0x01
	arFieldStationName uint8 = 0x0B
)

// AnalyzeError maps a failed response status to a recovery action.
func AnalyzeError(status Status) ErrorAnalysis {
	analysis := ErrorAnalysis{
		Status: status,
		Action: RecoveryRetryUnchanged,
	}

	switch status.Decode {
	case decodePNIO:
		analyzeConnectFault(&analysis)
	case decodePNIORW:
		// Record access fault: the AR itself is healthy
		analysis.Block = "IOD-Header"
		analysis.Action = RecoveryRetryUnchanged
		analysis.Comment = "record access rejected; AR unaffected"
	default:
		analysis.Action = RecoveryRediscover
		analysis.Comment = "unrecognized error decode; device state unknown"
	}

	return analysis
}

func analyzeConnectFault(analysis *ErrorAnalysis) {
	status := analysis.Status

	switch status.Code1 {
	case faultyARBlockReq:
		analysis.Block = "AR-Block-Request"
		switch status.Code2 {
		case arFieldBlockLength:
			analysis.Field = "BlockLength"
			analysis.Action = RecoveryFixBlockLength
		case arFieldStationName:
			analysis.Field = "CMInitiatorStationName"
			// Some devices match station names case-sensitively
			// against their DCP name even though the standard lowercases
			analysis.Action = RecoveryTryCaseFoldedName
		default:
			analysis.Action = RecoveryRetryUnchanged
		}

	case faultyIOCRBlockReq:
		analysis.Block = "IOCR-Block-Request"
		switch status.Code2 {
		case iocrFieldBlockLength:
			analysis.Field = "BlockLength"
			analysis.Action = RecoveryFixBlockLength
		case iocrFieldDataLength:
			analysis.Field = "DataLength"
			analysis.Action = RecoveryFixBlockLength
		case iocrFieldSendClockFactor:
			analysis.Field = "SendClockFactor"
			analysis.Action = RecoveryFixTiming
		case iocrFieldReductionRatio:
			analysis.Field = "ReductionRatio"
			analysis.Action = RecoveryFixTiming
		case iocrFieldPhase:
			analysis.Field = "Phase"
			analysis.Action = RecoveryFixPhase
		case iocrFieldWatchdogFactor:
			analysis.Field = "WatchdogFactor"
			analysis.Action = RecoveryFixTiming
		case iocrFieldDataHoldFactor:
			analysis.Field = "DataHoldFactor"
			analysis.Action = RecoveryFixTiming
		default:
			analysis.Action = RecoveryRetryMinimalConfig
		}

	case faultyExpectedSubmodule:
		analysis.Block = "Expected-Submodule-Block"
		// The expected layout does not match the plugged modules;
		// fall back to a DAP-only connect and rediscover the layout
		analysis.Action = RecoveryRetryMinimalConfig

	case faultyAlarmCRBlockReq:
		analysis.Block = "Alarm-CR-Block-Request"
		analysis.Action = RecoveryRetryUnchanged

	case cmrpcConflict:
		analysis.Block = "CMRPC"
		// Out of AR resources or an AR already exists for this
		// controller; the device needs time to clean up
		analysis.Action = RecoveryWaitAndRetry
		analysis.Comment = "device busy or stale AR present"

	default:
		analysis.Action = RecoveryRediscover
		analysis.Comment = "unmapped connect fault"
	}
}
