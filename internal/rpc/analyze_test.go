package rpc

import (
	"testing"
)

func TestAnalyzeErrorTable(t *testing.T) {
	cases := []struct {
		name   string
		status Status
		block  string
		action RecoveryAction
	}{
		{
			name:   "station name mismatch",
			status: Status{Code: 0xDB, Decode: decodePNIO, Code1: faultyARBlockReq, Code2: arFieldStationName},
			block:  "AR-Block-Request",
			action: RecoveryTryCaseFoldedName,
		},
		{
			name:   "AR block length",
			status: Status{Code: 0xDB, Decode: decodePNIO, Code1: faultyARBlockReq, Code2: arFieldBlockLength},
			block:  "AR-Block-Request",
			action: RecoveryFixBlockLength,
		},
		{
			name:   "IOCR send clock",
			status: Status{Code: 0xDB, Decode: decodePNIO, Code1: faultyIOCRBlockReq, Code2: iocrFieldSendClockFactor},
			block:  "IOCR-Block-Request",
			action: RecoveryFixTiming,
		},
		{
			name:   "IOCR watchdog",
			status: Status{Code: 0xDB, Decode: decodePNIO, Code1: faultyIOCRBlockReq, Code2: iocrFieldWatchdogFactor},
			block:  "IOCR-Block-Request",
			action: RecoveryFixTiming,
		},
		{
			name:   "IOCR phase",
			status: Status{Code: 0xDB, Decode: decodePNIO, Code1: faultyIOCRBlockReq, Code2: iocrFieldPhase},
			block:  "IOCR-Block-Request",
			action: RecoveryFixPhase,
		},
		{
			name:   "IOCR data length",
			status: Status{Code: 0xDB, Decode: decodePNIO, Code1: faultyIOCRBlockReq, Code2: iocrFieldDataLength},
			block:  "IOCR-Block-Request",
			action: RecoveryFixBlockLength,
		},
		{
			name:   "expected submodule mismatch",
			status: Status{Code: 0xDB, Decode: decodePNIO, Code1: faultyExpectedSubmodule, Code2: 0x00},
			block:  "Expected-Submodule-Block",
			action: RecoveryRetryMinimalConfig,
		},
		{
			name:   "alarm CR fault",
			status: Status{Code: 0xDB, Decode: decodePNIO, Code1: faultyAlarmCRBlockReq, Code2: 0x00},
			block:  "Alarm-CR-Block-Request",
			action: RecoveryRetryUnchanged,
		},
		{
			name:   "device busy",
			status: Status{Code: 0xDB, Decode: decodePNIO, Code1: cmrpcConflict, Code2: 0x02},
			block:  "CMRPC",
			action: RecoveryWaitAndRetry,
		},
		{
			name:   "record access fault",
			status: Status{Code: 0xDE, Decode: decodePNIORW, Code1: 0xB0, Code2: 0x00},
			block:  "IOD-Header",
			action: RecoveryRetryUnchanged,
		},
		{
			name:   "unknown decode",
			status: Status{Code: 0xDB, Decode: 0x42, Code1: 0x01, Code2: 0x01},
			action: RecoveryRediscover,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			analysis := AnalyzeError(tc.status)
			if analysis.Action != tc.action {
				t.Errorf("action: got %v, want %v", analysis.Action, tc.action)
			}
			if tc.block != "" && analysis.Block != tc.block {
				t.Errorf("block: got %q, want %q", analysis.Block, tc.block)
			}
		})
	}
}

func TestRecoveryActionStrings(t *testing.T) {
	actions := []RecoveryAction{
		RecoveryRetryUnchanged, RecoveryRetryMinimalConfig, RecoveryFixBlockLength,
		RecoveryFixPhase, RecoveryFixTiming, RecoveryTryCaseFoldedName,
		RecoveryWaitAndRetry, RecoveryRediscover,
	}
	seen := make(map[string]bool)
	for _, a := range actions {
		s := a.String()
		if s == "Unknown" {
			t.Errorf("action %d has no name", a)
		}
		if seen[s] {
			t.Errorf("duplicate action name %q", s)
		}
		seen[s] = true
	}
}

func TestStatusErrorMessage(t *testing.T) {
	err := &StatusError{Operation: "Connect", Status: Status{Code: 0xDB, Decode: 0x81, Code1: 0x02, Code2: 0x07}}
	want := "Connect rejected with status 0xDB810207 (decode 0x81, code1 0x02, code2 0x07)"
	if err.Error() != want {
		t.Errorf("message:\n got %q\nwant %q", err.Error(), want)
	}
}
